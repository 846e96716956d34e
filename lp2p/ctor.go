package lp2p

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	noise "github.com/libp2p/go-libp2p-noise"
	"github.com/libp2p/go-libp2p-peerstore/pstoreds"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2ptls "github.com/libp2p/go-libp2p-tls"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/fs"
)

const (
	// directConnectTicks makes pubsub check it's connected to direct peers every N seconds.
	directConnectTicks uint64 = 5
	lowWater                  = 16
	highWater                 = 64
	gracePeriod               = time.Minute
)

// Topic is the pubsub topic of the coordination exchange of a ceremony.
func Topic(ceremony string) string {
	return fmt.Sprintf("/dvsetup/coordination/v1/%s", ceremony)
}

// messageID identifies a pubsub message by its content and sequence number,
// so a retransmission of identical bytes is not dropped as already seen.
func messageID(pmsg *pubsubpb.Message) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write(pmsg.GetFrom())
	_, _ = h.Write(pmsg.GetSeqno())
	_, _ = h.Write(pmsg.GetData())
	return string(h.Sum(nil))
}

// ConstructHost builds a libp2p host with a gossipsub router peering directly
// with the bootstrap addresses, which are returned resolved.
func ConstructHost(ds datastore.Datastore, priv crypto.PrivKey, listenAddr string,
	bootstrap []ma.Multiaddr, l log.Logger) (host.Host, *pubsub.PubSub, []peer.AddrInfo, error) {
	ctx := context.Background()

	pstoreDs := namespace.Wrap(ds, datastore.NewKey("/peerstore"))
	pstore, err := pstoreds.NewPeerstore(ctx, pstoreDs, pstoreds.DefaultOpts())
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("creating peerstore: %w", err)
	}
	peerID, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("computing peerid: %w", err)
	}
	if err := pstore.AddPrivKey(peerID, priv); err != nil {
		return nil, nil, nil, xerrors.Errorf("adding priv to keystore: %w", err)
	}

	addrInfos, err := resolveAddresses(ctx, bootstrap, nil)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("parsing addrInfos: %w", err)
	}

	cmgr, err := connmgr.NewConnManager(lowWater, highWater, connmgr.WithGracePeriod(gracePeriod))
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("creating conn manager: %w", err)
	}
	// bootstrap peers are the ceremony participants, never trim them
	for _, ai := range addrInfos {
		cmgr.Protect(ai.ID, "ceremony")
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ChainOptions(
			libp2p.Security(libp2ptls.ID, libp2ptls.New),
			libp2p.Security(noise.ID, noise.New)),
		libp2p.DisableRelay(),
		libp2p.Peerstore(pstore),
		libp2p.UserAgent(common.UserAgent()),
		libp2p.ConnectionManager(cmgr),
	}

	if listenAddr != "" {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddr))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("constructing host: %w", err)
	}

	p, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithMessageIdFn(messageID),
		pubsub.WithDirectPeers(addrInfos),
		pubsub.WithFloodPublish(true),
		pubsub.WithDirectConnectTicks(directConnectTicks),
	)
	if err != nil {
		_ = h.Close()
		return nil, nil, nil, xerrors.Errorf("constructing pubsub: %w", err)
	}

	l.Debugw("host constructed", "id", h.ID().String(), "bootstrap", len(addrInfos))
	return h, p, addrInfos, nil
}

// LoadOrCreatePrivKey loads a base64 encoded libp2p private key from a file or creates one if it does not exist.
func LoadOrCreatePrivKey(identityPath string, l log.Logger) (crypto.PrivKey, error) {
	privB64, err := os.ReadFile(identityPath)

	var priv crypto.PrivKey
	switch {
	case err == nil:
		privBytes, err := base64.RawStdEncoding.DecodeString(string(privB64))
		if err != nil {
			return nil, xerrors.Errorf("decoding base64 key: %w", err)
		}
		priv, err = crypto.UnmarshalEd25519PrivateKey(privBytes)
		if err != nil {
			return nil, xerrors.Errorf("unmarshaling ed25519 key: %w", err)
		}
		l.Debugw("loaded p2p key", "path", identityPath)

	case xerrors.Is(err, os.ErrNotExist):
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, xerrors.Errorf("generating private key: %w", err)
		}
		b, err := priv.Raw()
		if err != nil {
			return nil, xerrors.Errorf("marshaling private key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(identityPath), fs.DefaultDirectoryPermission); err != nil {
			return nil, xerrors.Errorf("creating identity directory and parents: %w", err)
		}
		encoded := []byte(base64.RawStdEncoding.EncodeToString(b))
		if err := fs.WriteFileAtomic(identityPath, encoded, fs.DefaultFilePermission); err != nil {
			return nil, xerrors.Errorf("writing identity file: %w", err)
		}
		l.Infow("created p2p key", "path", identityPath)

	default:
		return nil, xerrors.Errorf("getting private key: %w", err)
	}

	return priv, nil
}

// ParseMultiaddrSlice parses a list of addresses into multiaddrs
func ParseMultiaddrSlice(peers []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, len(peers))
	for i, p := range peers {
		m, err := ma.NewMultiaddr(p)
		if err != nil {
			return nil, xerrors.Errorf("parsing multiaddr %q: %w", p, err)
		}
		out[i] = m
	}
	return out, nil
}
