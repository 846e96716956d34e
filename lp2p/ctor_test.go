package lp2p

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dvsetup/dvsetup/common/testlogger"
)

func TestCreateThenLoadPrivKey(t *testing.T) {
	identityPath := filepath.Join(t.TempDir(), "p2p.key")
	l := testlogger.New(t)

	priv0, err := LoadOrCreatePrivKey(identityPath, l)
	require.NoError(t, err)

	priv1, err := LoadOrCreatePrivKey(identityPath, l)
	require.NoError(t, err)
	require.True(t, priv0.Equals(priv1), "private key not persisted and/or not read back properly")

	info, err := os.Stat(identityPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCreatePrivKeyMkdirp(t *testing.T) {
	identityPath := filepath.Join(t.TempDir(), "not-exists-dir", "p2p.key")
	l := testlogger.New(t)

	priv0, err := LoadOrCreatePrivKey(identityPath, l)
	require.NoError(t, err)
	priv1, err := LoadOrCreatePrivKey(identityPath, l)
	require.NoError(t, err)
	require.True(t, priv0.Equals(priv1))
}

func TestLoadCorruptPrivKey(t *testing.T) {
	identityPath := filepath.Join(t.TempDir(), "p2p.key")
	require.NoError(t, os.WriteFile(identityPath, []byte("not base64 !"), 0600))

	_, err := LoadOrCreatePrivKey(identityPath, testlogger.New(t))
	require.Error(t, err)
}

func TestParseMultiaddrSlice(t *testing.T) {
	addrs, err := ParseMultiaddrSlice([]string{p2pIP4Addr0, dnsaddr1})
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	_, err = ParseMultiaddrSlice([]string{"not-an-addr"})
	require.Error(t, err)
}

func TestTopic(t *testing.T) {
	require.Equal(t, "/dvsetup/coordination/v1/alpha", Topic("alpha"))
}
