package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dvsetup/dvsetup/ceremony"
	"github.com/dvsetup/dvsetup/lp2p"
)

const sampleNodeConfig = `
data_dir = "/var/lib/dvsetup"
listen = "/ip4/127.0.0.1/tcp/4000"
metrics = "127.0.0.1:9100"
pprof = true
log_level = "debug"
update_interval = "30s"

[participants]
position = 1
peers = ["/ip4/10.0.0.1/tcp/3610/p2p/A", "self", "/ip4/10.0.0.3/tcp/3610/p2p/C"]

[ceremony]
name = "cluster-a"
validators = 4
network = "mainnet"

[docker]
image = "obolnetwork/charon:v1.2.0"
compose = "docker-compose"

[timeouts]
quorum = "10m"
receive = "5s"
max_retries = 0
dial_attempts = 3
`

func writeNodeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadNodeConfig(t *testing.T) {
	c, err := LoadNodeConfig(writeNodeConfig(t, sampleNodeConfig))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/dvsetup", c.DataDir)
	require.Equal(t, 30*time.Second, c.UpdateInterval)
	require.Equal(t, uint32(1), c.Participants.Position)
	require.Len(t, c.Participants.Peers, 3)
	require.Equal(t, 4, c.Ceremony.Validators)
	require.Equal(t, 10*time.Minute, c.Timeouts.Quorum)
	require.NotNil(t, c.Timeouts.MaxRetries)
	require.Zero(t, *c.Timeouts.MaxRetries)

	opts, err := c.Options()
	require.NoError(t, err)
	conf := NewConfig(opts...)

	require.Equal(t, "/var/lib/dvsetup", conf.DataFolder())
	require.Equal(t, filepath.Join("/var/lib/dvsetup", StateFolderName), conf.StateFolder())
	require.Equal(t, "/ip4/127.0.0.1/tcp/4000", conf.listenAddr)
	require.Equal(t, "127.0.0.1:9100", conf.metricsBind)
	require.True(t, conf.pprof)
	require.Equal(t, uint32(1), conf.Position())
	require.False(t, conf.IsLeader())
	require.Equal(t, 2, conf.Followers())
	require.Equal(t, 30*time.Second, conf.updateEvery)

	p := conf.Params()
	require.Equal(t, "cluster-a", p.Name)
	require.Equal(t, 4, p.ValidatorCount)
	require.Equal(t, "mainnet", p.Network)
	require.Equal(t, DefaultParams.FeeRecipient, p.FeeRecipient)

	require.Equal(t, "obolnetwork/charon:v1.2.0", conf.image)
	require.Equal(t, "docker-compose", conf.composeBinary)
	require.Equal(t, ceremony.DefaultService, conf.serviceName)

	require.Equal(t, 10*time.Minute, conf.quorumTimeout)
	require.Equal(t, RetryPolicy{
		ReceiveTimeout: 5 * time.Second,
		MaxRetries:     0,
		MaxBackoff:     DefaultRetryPolicy.MaxBackoff,
	}, conf.retry)
	require.Equal(t, uint64(3), conf.dial.Attempts)
	require.Equal(t, lp2p.DefaultDialPolicy.Backoff, conf.dial.Backoff)
}

func TestLoadNodeConfigMinimal(t *testing.T) {
	c, err := LoadNodeConfig(writeNodeConfig(t, `
[participants]
position = 0
peers = ["self"]
`))
	require.NoError(t, err)
	opts, err := c.Options()
	require.NoError(t, err)
	conf := NewConfig(opts...)

	require.True(t, conf.IsLeader())
	require.Zero(t, conf.Followers())
	require.Equal(t, DefaultDataFolder, conf.DataFolder())
	require.Equal(t, DefaultParams, conf.Params())
	require.Equal(t, DefaultRetryPolicy, conf.retry)
	require.Equal(t, lp2p.DefaultDialPolicy, conf.dial)
}

func TestLoadNodeConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "[participants]\nposition = 0\npeers = [\"self\"]\nlisten_addr = \"x\"\n"},
		{"unknown section", "[participant]\nposition = 0\n"},
		{"bad syntax", "listen = \n"},
		{"wrong type", "[participants]\nposition = \"one\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadNodeConfig(writeNodeConfig(t, tt.content))
			require.Error(t, err)
		})
	}

	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestNodeConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		conf NodeConfig
		ok   bool
	}{
		{"no peers", NodeConfig{}, false},
		{"position outside", NodeConfig{Participants: ParticipantsSection{Position: 2, Peers: []string{"a", "b"}}}, false},
		{"last position", NodeConfig{Participants: ParticipantsSection{Position: 1, Peers: []string{"a", "b"}}}, true},
		{"bad log level", NodeConfig{LogLevel: "loud", Participants: ParticipantsSection{Peers: []string{"a"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.conf.Options()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
