// Package readiness blocks a node until enough distinct peers are connected
// for the coordination exchange to start.
package readiness

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/metrics"
)

// EventKind tells what happened to a peer.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a connectivity notification emitted by the network layer. Err is
// only set for Failed events.
type Event struct {
	Kind EventKind
	Peer string
	Err  error
}

// Monitor counts distinct connected peers until Expected of them are up.
type Monitor struct {
	Expected int
	// Timeout bounds the whole wait. Zero waits forever.
	Timeout time.Duration

	clock clockwork.Clock
	l     log.Logger
}

// NewMonitor returns a monitor waiting for expected peers.
func NewMonitor(expected int, timeout time.Duration, clock clockwork.Clock, l log.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		Expected: expected,
		Timeout:  timeout,
		clock:    clock,
		l:        l.Named("readiness"),
	}
}

// Wait consumes events until quorum is reached. It returns the peers counted
// as connected at that moment. A Failed event, a closed channel or the
// timeout all end the wait with common.ErrPeerDiscoveryFailed.
func (m *Monitor) Wait(ctx context.Context, events <-chan Event) ([]string, error) {
	connected := make(map[string]struct{})
	order := []string{}
	metrics.ConnectedPeers.Set(0)

	if m.Expected <= 0 {
		return order, nil
	}

	var deadline <-chan time.Time
	if m.Timeout > 0 {
		deadline = m.clock.After(m.Timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: %d/%d peers after %s", common.ErrPeerDiscoveryFailed, len(connected), m.Expected, m.Timeout)
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("%w: event stream closed with %d/%d peers", common.ErrPeerDiscoveryFailed, len(connected), m.Expected)
			}
			switch ev.Kind {
			case Connected:
				if _, seen := connected[ev.Peer]; seen {
					continue
				}
				connected[ev.Peer] = struct{}{}
				order = append(order, ev.Peer)
				m.l.Infow("peer connected", "peer", ev.Peer, "connected", len(connected), "expected", m.Expected)
			case Disconnected:
				if _, seen := connected[ev.Peer]; !seen {
					continue
				}
				delete(connected, ev.Peer)
				order = remove(order, ev.Peer)
				m.l.Warnw("peer disconnected before quorum", "peer", ev.Peer, "connected", len(connected))
			case Failed:
				m.l.Errorw("peer discovery failed", "peer", ev.Peer, "err", ev.Err)
				return nil, fmt.Errorf("%w: %s: %v", common.ErrPeerDiscoveryFailed, ev.Peer, ev.Err)
			default:
				m.l.Debugw("ignoring event", "kind", ev.Kind, "peer", ev.Peer)
				continue
			}
			metrics.ConnectedPeers.Set(float64(len(connected)))
			if len(connected) >= m.Expected {
				m.l.Infow("quorum reached", "peers", len(connected))
				return order, nil
			}
		}
	}
}

func remove(list []string, p string) []string {
	for i, v := range list {
		if v == p {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
