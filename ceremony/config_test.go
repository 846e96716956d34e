package ceremony

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		ok   bool
	}{
		{"leader only", NewConfig(testENR, nil, testParams), true},
		{"leader first", NewConfig(testENR, []string{peerENR1}, testParams), true},
		{"missing name", NewConfig(testENR, nil, Params{ValidatorCount: 1}), false},
		{"opaque identities", NewConfig("leader", []string{"a", "b"}, testParams), true},
		{"repeated identity", NewConfig(testENR, []string{testENR}, testParams), true},
		{"short", &Config{Name: "x", Participants: 2, Identities: []string{testENR}, Params: testParams}, false},
		{"empty", &Config{Name: "x", Params: testParams}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestNewConfigOrder(t *testing.T) {
	cfg := NewConfig(testENR, []string{peerENR2, peerENR1}, testParams)
	require.Equal(t, []string{testENR, peerENR2, peerENR1}, cfg.Identities)
	require.Equal(t, 3, cfg.Participants)
	require.Equal(t, "test", cfg.Name)
}
