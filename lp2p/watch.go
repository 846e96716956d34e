package lp2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sethvargo/go-retry"
	"golang.org/x/xerrors"

	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/readiness"
)

// DialPolicy bounds the attempts made to reach each bootstrap peer.
type DialPolicy struct {
	Attempts uint64
	Backoff  time.Duration
	// Timeout of a single dial attempt.
	Timeout time.Duration
}

// DefaultDialPolicy retries a bootstrap dial for about a minute.
var DefaultDialPolicy = DialPolicy{
	Attempts: 8,
	Backoff:  500 * time.Millisecond,
	Timeout:  5 * time.Second,
}

// Watch reports connectivity of the bootstrap peers of h as readiness events
// and dials every one of them with bounded retries. A peer still unreachable
// once the attempts are used up yields a Failed event. Connections from peers
// that are not in bootstrap are ignored. The channel is closed when ctx is
// done.
func Watch(ctx context.Context, h host.Host, bootstrap []peer.AddrInfo, policy DialPolicy, l log.Logger) <-chan readiness.Event {
	l = l.Named("watch")
	out := make(chan readiness.Event, 2*len(bootstrap)+1)
	known := make(map[peer.ID]struct{}, len(bootstrap))
	for _, ai := range bootstrap {
		known[ai.ID] = struct{}{}
	}

	var mu sync.Mutex
	closed := false
	emit := func(ev readiness.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
			l.Warnw("dropping connectivity event, reader too slow", "peer", ev.Peer, "kind", ev.Kind)
		}
	}

	notifee := &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			if _, ok := known[c.RemotePeer()]; ok {
				emit(readiness.Event{Kind: readiness.Connected, Peer: c.RemotePeer().String()})
			}
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			p := c.RemotePeer()
			if _, ok := known[p]; !ok || n.Connectedness(p) == network.Connected {
				return
			}
			emit(readiness.Event{Kind: readiness.Disconnected, Peer: p.String()})
		},
	}
	h.Network().Notify(notifee)

	// peers connected before the notifee was registered
	for _, p := range h.Network().Peers() {
		if _, ok := known[p]; ok {
			emit(readiness.Event{Kind: readiness.Connected, Peer: p.String()})
		}
	}

	for _, ai := range bootstrap {
		go func(ai peer.AddrInfo) {
			if err := dial(ctx, h, ai, policy, l); err != nil && ctx.Err() == nil {
				emit(readiness.Event{Kind: readiness.Failed, Peer: ai.ID.String(), Err: err})
			}
		}(ai)
	}

	go func() {
		<-ctx.Done()
		h.Network().StopNotify(notifee)
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out
}

func dial(ctx context.Context, h host.Host, ai peer.AddrInfo, policy DialPolicy, l log.Logger) error {
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultDialPolicy.Backoff
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultDialPolicy.Timeout
	}
	b := retry.WithMaxRetries(policy.Attempts, retry.NewExponential(policy.Backoff))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if h.Network().Connectedness(ai.ID) == network.Connected {
			return nil
		}
		dctx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
		if err := h.Connect(dctx, ai); err != nil {
			l.Debugw("bootstrap dial failed", "peer", ai.ID.String(), "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// P2PAddrs returns the addresses of h with its peer id appended, in the form
// other participants list in their bootstrap configuration.
func P2PAddrs(h host.Host) ([]ma.Multiaddr, error) {
	suffix, err := ma.NewMultiaddr("/p2p/" + h.ID().String())
	if err != nil {
		return nil, xerrors.Errorf("p2p component: %w", err)
	}
	base := h.Addrs()
	out := make([]ma.Multiaddr, len(base))
	for i, a := range base {
		out[i] = a.Encapsulate(suffix)
	}
	return out, nil
}
