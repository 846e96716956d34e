package core

import (
	"fmt"

	"github.com/libp2p/go-libp2p-core/crypto"

	"github.com/dvsetup/dvsetup/lp2p"
)

// Participant is one node of the cluster. Key is the marshalled public key
// found in its peer address, nil when the address carries no peer id.
// Identity is filled in once exchanged.
type Participant struct {
	Position uint32 `json:"position"`
	Key      []byte `json:"key,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// IsLeader tells whether the participant collects the identities.
func (p Participant) IsLeader() bool {
	return p.Position == LeaderPosition
}

// NewParticipants builds the participant list from the peer addresses,
// ordered by position.
func NewParticipants(peers []string) ([]Participant, error) {
	roster := lp2p.RosterFromAddrs(peers)
	out := make([]Participant, len(peers))
	for i, id := range roster {
		out[i].Position = uint32(i)
		if id == "" {
			continue
		}
		pub, err := id.ExtractPublicKey()
		if err != nil {
			return nil, fmt.Errorf("participant %d: %w", i, err)
		}
		if out[i].Key, err = crypto.MarshalPublicKey(pub); err != nil {
			return nil, fmt.Errorf("participant %d: %w", i, err)
		}
	}
	return out, nil
}
