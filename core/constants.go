package core

import (
	"time"

	"github.com/dvsetup/dvsetup/ceremony"
)

// DefaultDataFolder is used when no data folder is configured. It is
// relative to the working directory and created on start.
const DefaultDataFolder = "data"

// StateFolderName is the folder, inside the data folder, for node state.
const StateFolderName = ".dvsetup"

// DefaultListenAddr is the p2p listen address.
const DefaultListenAddr = "/ip4/0.0.0.0/tcp/3610"

// DefaultUpdateInterval is how often the update job reports the node status.
const DefaultUpdateInterval = time.Minute

// P2PKeyFile and PeerStoreFolder live in the state folder.
const (
	P2PKeyFile      = "p2p.key"
	PeerStoreFolder = "peerstore"
)

// DefaultParams describe a single validator ceremony on holesky paying out to
// the burn address. Real deployments override both addresses.
var DefaultParams = ceremony.Params{
	Name:           "dvsetup",
	ValidatorCount: 1,
	FeeRecipient:   "0x000000000000000000000000000000000000dEaD",
	Withdrawal:     "0x000000000000000000000000000000000000dEaD",
	Network:        "holesky",
}
