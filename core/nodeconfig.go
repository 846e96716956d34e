package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/lp2p"
)

// NodeConfig is the TOML node file.
//
//	data_dir = "/var/lib/dvsetup"
//	listen = "/ip4/0.0.0.0/tcp/3610"
//
//	[participants]
//	position = 1
//	peers = ["/dns4/op0.example/tcp/3610/p2p/12D3...", "self", "/ip4/10.0.0.3/tcp/3610/p2p/12D3..."]
//
//	[ceremony]
//	name = "cluster-a"
//	validators = 4
type NodeConfig struct {
	DataDir        string        `toml:"data_dir"`
	Listen         string        `toml:"listen"`
	Metrics        string        `toml:"metrics"`
	Pprof          bool          `toml:"pprof"`
	LogLevel       string        `toml:"log_level"`
	UpdateInterval time.Duration `toml:"update_interval"`

	Participants ParticipantsSection `toml:"participants"`
	Ceremony     CeremonySection     `toml:"ceremony"`
	Docker       DockerSection       `toml:"docker"`
	Timeouts     TimeoutsSection     `toml:"timeouts"`
}

// ParticipantsSection lists every participant, this node included.
type ParticipantsSection struct {
	Position uint32   `toml:"position"`
	Peers    []string `toml:"peers"`
}

// CeremonySection holds the parameters the leader authors the config with.
type CeremonySection struct {
	Name         string `toml:"name"`
	Validators   int    `toml:"validators"`
	FeeRecipient string `toml:"fee_recipient"`
	Withdrawal   string `toml:"withdrawal"`
	Network      string `toml:"network"`
}

// DockerSection configures the container runtime.
type DockerSection struct {
	Host    string `toml:"host"`
	Image   string `toml:"image"`
	Compose string `toml:"compose"`
	Service string `toml:"service"`
}

// TimeoutsSection configures how long peers are waited on.
type TimeoutsSection struct {
	Quorum time.Duration `toml:"quorum"`
	// Receive is the first wait before retransmitting. A negative value
	// waits forever.
	Receive      time.Duration `toml:"receive"`
	MaxRetries   *uint64       `toml:"max_retries"`
	MaxBackoff   time.Duration `toml:"max_backoff"`
	DialAttempts uint64        `toml:"dial_attempts"`
}

// LoadNodeConfig decodes the node file at path. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	var c NodeConfig
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return &c, nil
}

// Validate checks the participant list against the position.
func (c *NodeConfig) Validate() error {
	if len(c.Participants.Peers) == 0 {
		return fmt.Errorf("no participants configured")
	}
	if int(c.Participants.Position) >= len(c.Participants.Peers) {
		return fmt.Errorf("position %d outside of %d participants", c.Participants.Position, len(c.Participants.Peers))
	}
	return nil
}

// Options converts the file into config options. Values left empty keep the
// defaults of NewConfig.
func (c *NodeConfig) Options() ([]ConfigOption, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := []ConfigOption{
		WithParticipants(c.Participants.Position, c.Participants.Peers),
	}
	if c.DataDir != "" {
		opts = append(opts, WithDataFolder(c.DataDir))
	}
	if c.Listen != "" {
		opts = append(opts, WithListenAddress(c.Listen))
	}
	if c.Metrics != "" {
		opts = append(opts, WithMetricsBind(c.Metrics))
	}
	if c.Pprof {
		opts = append(opts, WithPprof())
	}
	if c.LogLevel != "" {
		level, err := log.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLogger(log.New(nil, level, false)))
	}
	if c.UpdateInterval != 0 {
		opts = append(opts, WithUpdateInterval(c.UpdateInterval))
	}

	params := DefaultParams
	if s := c.Ceremony; s != (CeremonySection{}) {
		if s.Name != "" {
			params.Name = s.Name
		}
		if s.Validators != 0 {
			params.ValidatorCount = s.Validators
		}
		if s.FeeRecipient != "" {
			params.FeeRecipient = s.FeeRecipient
		}
		if s.Withdrawal != "" {
			params.Withdrawal = s.Withdrawal
		}
		if s.Network != "" {
			params.Network = s.Network
		}
	}
	opts = append(opts, WithParams(params))

	if c.Docker.Host != "" {
		opts = append(opts, WithDockerHost(c.Docker.Host))
	}
	if c.Docker.Image != "" {
		opts = append(opts, WithImage(c.Docker.Image))
	}
	if c.Docker.Compose != "" || c.Docker.Service != "" {
		opts = append(opts, WithCompose(c.Docker.Compose, c.Docker.Service))
	}

	t := c.Timeouts
	if t.Quorum != 0 {
		opts = append(opts, WithQuorumTimeout(t.Quorum))
	}
	if t.Receive != 0 || t.MaxRetries != nil || t.MaxBackoff != 0 {
		policy := DefaultRetryPolicy
		if t.Receive != 0 {
			policy.ReceiveTimeout = t.Receive
		}
		if t.MaxRetries != nil {
			policy.MaxRetries = *t.MaxRetries
		}
		if t.MaxBackoff != 0 {
			policy.MaxBackoff = t.MaxBackoff
		}
		opts = append(opts, WithRetryPolicy(policy))
	}
	if t.DialAttempts != 0 {
		dial := lp2p.DefaultDialPolicy
		dial.Attempts = t.DialAttempts
		opts = append(opts, WithDialPolicy(dial))
	}
	return opts, nil
}
