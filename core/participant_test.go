package core

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"
)

func TestNewParticipants(t *testing.T) {
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	want, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)

	ps, err := NewParticipants([]string{
		"/ip4/10.0.0.1/tcp/3610/p2p/" + id.String(),
		"self",
		"/dns4/op2.example/tcp/3610",
	})
	require.NoError(t, err)
	require.Len(t, ps, 3)
	require.True(t, ps[0].IsLeader())
	require.Equal(t, want, ps[0].Key)
	require.False(t, ps[1].IsLeader())
	require.Nil(t, ps[1].Key)
	require.Equal(t, uint32(2), ps[2].Position)
	require.Nil(t, ps[2].Key)

	ps, err = NewParticipants(nil)
	require.NoError(t, err)
	require.Empty(t, ps)
}
