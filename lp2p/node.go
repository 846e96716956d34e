package lp2p

import (
	"context"

	bds "github.com/ipfs/go-ds-badger2"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/readiness"
)

// NodeConfig configures the gossip node of a participant.
type NodeConfig struct {
	// Ceremony names the pubsub topic shared by the participants.
	Ceremony string
	// Position of this participant in Peers.
	Position uint32
	// Peers lists one multiaddr per participant, ordered by position. The
	// entry at Position is ignored.
	Peers        []string
	Addr         string
	DataDir      string
	IdentityPath string
	Dial         DialPolicy
}

// Node is a libp2p host with its peer store, pubsub router and the
// resolved addresses of the other participants.
type Node struct {
	l         log.Logger
	cfg       NodeConfig
	ds        *bds.Datastore
	priv      crypto.PrivKey
	h         host.Host
	ps        *pubsub.PubSub
	bootstrap []peer.AddrInfo
}

// NewNode opens the peer store in cfg.DataDir, loads or creates the p2p key
// and starts listening.
func NewNode(l log.Logger, cfg *NodeConfig) (*Node, error) {
	l = l.Named("p2p")
	if int(cfg.Position) >= len(cfg.Peers) && len(cfg.Peers) > 0 {
		return nil, xerrors.Errorf("position %d outside of %d peers", cfg.Position, len(cfg.Peers))
	}
	others := make([]string, 0, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if uint32(i) != cfg.Position {
			others = append(others, p)
		}
	}
	bootstrap, err := ParseMultiaddrSlice(others)
	if err != nil {
		return nil, xerrors.Errorf("parsing peers: %w", err)
	}

	priv, err := LoadOrCreatePrivKey(cfg.IdentityPath, l)
	if err != nil {
		return nil, xerrors.Errorf("loading p2p key: %w", err)
	}

	ds, err := bds.NewDatastore(cfg.DataDir, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening datastore: %w", err)
	}

	h, ps, infos, err := ConstructHost(ds, priv, cfg.Addr, bootstrap, l)
	if err != nil {
		_ = ds.Close()
		return nil, xerrors.Errorf("constructing host: %w", err)
	}

	addrs, err := P2PAddrs(h)
	if err != nil {
		_ = h.Close()
		_ = ds.Close()
		return nil, err
	}
	for _, a := range addrs {
		l.Infow("listening", "addr", a.String())
	}

	return &Node{
		l:         l,
		cfg:       *cfg,
		ds:        ds,
		priv:      priv,
		h:         h,
		ps:        ps,
		bootstrap: infos,
	}, nil
}

// ID is the peer id of the node.
func (n *Node) ID() peer.ID {
	return n.h.ID()
}

// Multiaddrs returns the addresses other participants can use to reach this node.
func (n *Node) Multiaddrs() []ma.Multiaddr {
	addrs, err := P2PAddrs(n.h)
	if err != nil {
		n.l.Errorw("computing p2p addrs", "err", err)
		return nil
	}
	return addrs
}

// Watch starts dialling the other participants and reports their connectivity.
func (n *Node) Watch(ctx context.Context) <-chan readiness.Event {
	policy := n.cfg.Dial
	if policy.Attempts == 0 {
		policy = DefaultDialPolicy
	}
	return Watch(ctx, n.h, n.bootstrap, policy, n.l)
}

// Transport joins the coordination topic of the ceremony.
func (n *Node) Transport() (*Gossip, error) {
	return NewGossip(n.ps, n.priv, Topic(n.cfg.Ceremony), n.cfg.Position, RosterFromAddrs(n.cfg.Peers), n.l)
}

// Close stops the host and closes the peer store.
func (n *Node) Close() error {
	herr := n.h.Close()
	derr := n.ds.Close()
	if herr != nil {
		return xerrors.Errorf("closing host: %w", herr)
	}
	if derr != nil {
		return xerrors.Errorf("closing datastore: %w", derr)
	}
	return nil
}
