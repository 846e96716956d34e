package dvsetup

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dvsetup/dvsetup/common/testlogger"
	"github.com/dvsetup/dvsetup/core"
	"github.com/dvsetup/dvsetup/journal"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := output
	output = &buf
	t.Cleanup(func() { output = prev })
	return &buf
}

func TestPeerID(t *testing.T) {
	buf := captureOutput(t)
	tmp := t.TempDir()

	args := []string{"dvsetup", "peer-id", "--folder", tmp}
	require.NoError(t, CLI().Run(args))
	first := strings.TrimSpace(buf.String())
	require.NotEmpty(t, first)
	require.FileExists(t, filepath.Join(tmp, core.StateFolderName, core.P2PKeyFile))

	buf.Reset()
	require.NoError(t, CLI().Run(args))
	require.Equal(t, first, strings.TrimSpace(buf.String()))
}

func TestStatus(t *testing.T) {
	buf := captureOutput(t)
	tmp := t.TempDir()
	args := []string{"dvsetup", "status", "--folder", tmp}

	require.Error(t, CLI().Run(args))

	state := filepath.Join(tmp, core.StateFolderName)
	require.NoError(t, os.MkdirAll(state, 0o700))
	j, err := journal.Open(state, false, nil, testlogger.New(t))
	require.NoError(t, err)
	_, err = j.Begin()
	require.NoError(t, err)
	require.NoError(t, j.Record(journal.PhaseIdentity, journal.StatusDone, "enr:-abc"))
	require.NoError(t, j.Record(journal.PhaseReadiness, journal.StatusFailed, "peer discovery failed"))
	require.NoError(t, j.Close())

	require.NoError(t, CLI().Run(args))
	out := buf.String()
	require.Contains(t, out, "runs: 1")
	require.Contains(t, out, "enr:-abc")
	require.Contains(t, out, "peer discovery failed")
}

func TestNodeFileErrors(t *testing.T) {
	captureOutput(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[participants]\nposition = 0\npeers = [\"self\"]\ntypo = 1\n"), 0o600))
	require.Error(t, CLI().Run([]string{"dvsetup", "peer-id", "--config", bad}))

	require.Error(t, CLI().Run([]string{"dvsetup", "peer-id", "--config", filepath.Join(dir, "missing.toml")}))
}

func TestRunNeedsParticipants(t *testing.T) {
	captureOutput(t)
	err := CLI().Run([]string{"dvsetup", "run", "--folder", t.TempDir()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no participants")
}

func TestVersion(t *testing.T) {
	buf := captureOutput(t)
	require.NoError(t, CLI().Run([]string{"dvsetup", "--version"}))
	require.Contains(t, buf.String(), "dvsetup")
}

func TestContextToConfig(t *testing.T) {
	captureOutput(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
data_dir = "/from/file"

[participants]
position = 1
peers = ["a", "b"]

[ceremony]
name = "file-name"
validators = 2
`), 0o600))

	var conf *core.Config
	capture := func(args ...string) error {
		app := CLI()
		app.Commands = []*cli.Command{{
			Name:  "capture",
			Flags: appCommands[0].Flags,
			Action: func(c *cli.Context) error {
				var err error
				conf, err = contextToConfig(c)
				return err
			},
		}}
		return app.Run(append([]string{"dvsetup", "capture"}, args...))
	}

	require.NoError(t, capture("--config", file, "--validators", "8", "--receive-timeout", "3s"))
	require.Equal(t, "/from/file", conf.DataFolder())
	require.Equal(t, uint32(1), conf.Position())
	require.Equal(t, []string{"a", "b"}, conf.Peers())
	require.Equal(t, "file-name", conf.Params().Name)
	require.Equal(t, 8, conf.Params().ValidatorCount)
	require.Equal(t, 3*time.Second, conf.RetryPolicy().ReceiveTimeout)
	require.Equal(t, core.DefaultRetryPolicy.MaxRetries, conf.RetryPolicy().MaxRetries)

	require.NoError(t, capture("--config", file,
		"--folder", dir, "--position", "0", "--peers", "x", "--peers", "y", "--peers", "z"))
	require.Equal(t, dir, conf.DataFolder())
	require.True(t, conf.IsLeader())
	require.Equal(t, 2, conf.Followers())
	require.Equal(t, 2, conf.Params().ValidatorCount)

	require.NoError(t, capture())
	require.Equal(t, core.DefaultDataFolder, conf.DataFolder())
	require.Empty(t, conf.Peers())
}
