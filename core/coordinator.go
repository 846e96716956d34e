package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"

	"github.com/dvsetup/dvsetup/ceremony"
	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/metrics"
	"github.com/dvsetup/dvsetup/protocol"
	"github.com/dvsetup/dvsetup/transport"
)

// LeaderPosition is the ordinal of the participant collecting identities.
// There is no fallback: when it is gone the exchange cannot complete.
const LeaderPosition uint32 = 0

// Operator is what the exchange needs from the ceremony engine.
type Operator interface {
	Identity() string
	AuthorConfig(ctx context.Context, peers []string, p ceremony.Params) (*ceremony.Config, error)
	FetchConfig() ([]byte, error)
	AdoptConfig(b []byte) error
}

// LeaderState is the progress of the leader through the exchange.
type LeaderState int

const (
	AwaitingPeers LeaderState = iota
	CollectingIdentities
	Distributing
	AwaitingAcks
	LeaderDone
)

func (s LeaderState) String() string {
	switch s {
	case AwaitingPeers:
		return "awaiting_peers"
	case CollectingIdentities:
		return "collecting_identities"
	case Distributing:
		return "distributing"
	case AwaitingAcks:
		return "awaiting_acks"
	case LeaderDone:
		return "done"
	default:
		return fmt.Sprintf("LeaderState(%d)", int(s))
	}
}

// FollowerState is the progress of a follower through the exchange.
type FollowerState int

const (
	AnnouncingSelf FollowerState = iota
	AwaitingRequest
	AwaitingConfig
	AwaitingEnd
	FollowerDone
)

func (s FollowerState) String() string {
	switch s {
	case AnnouncingSelf:
		return "announcing_self"
	case AwaitingRequest:
		return "awaiting_request"
	case AwaitingConfig:
		return "awaiting_config"
	case AwaitingEnd:
		return "awaiting_end"
	case FollowerDone:
		return "done"
	default:
		return fmt.Sprintf("FollowerState(%d)", int(s))
	}
}

// Coordinator runs one side of the identity and configuration exchange over
// a transport. It is not safe for concurrent use; a node runs exactly one
// exchange at a time.
type Coordinator struct {
	tr     transport.Transport
	op     Operator
	params ceremony.Params
	policy RetryPolicy
	clock  clockwork.Clock
	l      log.Logger

	collected map[uint32]string
}

// NewCoordinator returns a coordinator using the retry policy, clock,
// logger and ceremony parameters of conf.
func NewCoordinator(tr transport.Transport, op Operator, conf *Config) *Coordinator {
	return &Coordinator{
		tr:     tr,
		op:     op,
		params: conf.params,
		policy: conf.retry,
		clock:  conf.clock,
		l:      conf.Logger().Named("coordinator").With("position", tr.Self()),
	}
}

func (c *Coordinator) send(ctx context.Context, to uint32, m protocol.Message) error {
	if err := c.tr.Send(ctx, to, m); err != nil {
		return fmt.Errorf("sending %s to %d: %w", m.Kind, to, err)
	}
	metrics.ProtocolMessages.WithLabelValues("out", m.Kind.String()).Inc()
	return nil
}

func (c *Coordinator) broadcast(ctx context.Context, m protocol.Message) error {
	if err := c.tr.Broadcast(ctx, m); err != nil {
		return fmt.Errorf("broadcasting %s: %w", m.Kind, err)
	}
	metrics.ProtocolMessages.WithLabelValues("out", m.Kind.String()).Inc()
	return nil
}

// next returns the next decodable message. On a receive timeout it calls
// resend and waits again until the retry policy is exhausted.
func (c *Coordinator) next(ctx context.Context, w *waiter, role string, state fmt.Stringer,
	resend func(context.Context) error) (*protocol.Envelope, protocol.Message, error) {
	for {
		env, err := w.receive(ctx)
		switch {
		case errors.Is(err, errReceiveTimeout):
			if !w.next() {
				return nil, protocol.Message{}, fmt.Errorf("%w: no progress in state %s", common.ErrExchangeTimeout, state)
			}
			metrics.ProtocolRetries.WithLabelValues(role, state.String()).Inc()
			c.l.Warnw("receive timeout, retransmitting", "role", role, "state", state.String(), "next_wait", w.wait)
			if resend != nil {
				if err := resend(ctx); err != nil {
					return nil, protocol.Message{}, err
				}
			}
			continue
		case errors.Is(err, io.EOF):
			return nil, protocol.Message{}, fmt.Errorf("%w: stream ended in state %s", common.ErrIncompleteExchange, state)
		case err != nil:
			return nil, protocol.Message{}, err
		}

		m, err := protocol.Unmarshal(env.Payload)
		if err != nil {
			c.l.Warnw("ignoring undecodable message", "from", env.Sender, "err", err)
			continue
		}
		metrics.ProtocolMessages.WithLabelValues("in", m.Kind.String()).Inc()
		return env, m, nil
	}
}

// RunAsLeader waits for expected followers to announce themselves, collects
// their identities, has the ceremony configuration authored and distributes
// it. The configuration lists the leader first, then the followers in the
// order their identities arrived. It returns the follower identities in
// announcement order once every follower acknowledged the configuration.
func (c *Coordinator) RunAsLeader(ctx context.Context, expected int) ([]string, error) {
	if expected < 0 {
		return nil, fmt.Errorf("negative number of followers: %d", expected)
	}
	l := c.l.Named("leader")
	w := newWaiter(c.tr, c.clock, c.policy)

	var (
		state      = AwaitingPeers
		announced  = make(map[uint32]struct{}, expected)
		order      = make([]uint32, 0, expected)
		identities = make(map[uint32]string, expected)
		arrived    = make([]string, 0, expected)
		acked      = make(map[uint32]struct{}, expected)
		config     protocol.Message
	)
	setState := func(s LeaderState) {
		l.Infow("state change", "from", state.String(), "to", s.String())
		state = s
		metrics.ProtocolState.WithLabelValues("leader").Set(float64(s))
		w.reset()
	}
	ordered := func() []string {
		ids := make([]string, 0, len(order))
		for _, p := range order {
			ids = append(ids, identities[p])
		}
		return ids
	}
	distribute := func() error {
		setState(Distributing)
		if _, err := c.op.AuthorConfig(ctx, arrived, c.params); err != nil {
			return err
		}
		b, err := c.op.FetchConfig()
		if err != nil {
			return fmt.Errorf("%w: reading authored config: %w", common.ErrConfigAuthoringFailed, err)
		}
		config = protocol.ConfigGenerated(string(b))
		if expected == 0 {
			return nil
		}
		if err := c.broadcast(ctx, config); err != nil {
			return err
		}
		setState(AwaitingAcks)
		return nil
	}

	metrics.ProtocolState.WithLabelValues("leader").Set(float64(state))
	if expected == 0 {
		l.Infow("no followers expected, authoring config alone")
		if err := distribute(); err != nil {
			return nil, err
		}
		setState(LeaderDone)
		return []string{}, nil
	}

	resend := func(ctx context.Context) error {
		switch state {
		case CollectingIdentities:
			return c.broadcast(ctx, protocol.RequestIdentity())
		case AwaitingAcks:
			return c.broadcast(ctx, config)
		}
		return nil
	}

	for {
		env, m, err := c.next(ctx, w, "leader", state, resend)
		if err != nil {
			return nil, err
		}
		from := env.Sender
		_, known := announced[from]

		switch m.Kind {
		case protocol.KindAnnounce:
			switch {
			case state == AwaitingPeers && !known:
				announced[from] = struct{}{}
				order = append(order, from)
				l.Infow("peer announced", "from", from, "have", fmt.Sprintf("%d/%d", len(order), expected))
				if len(order) == expected {
					if err := c.broadcast(ctx, protocol.RequestIdentity()); err != nil {
						return nil, err
					}
					setState(CollectingIdentities)
				}
			case state == CollectingIdentities && known && identities[from] == "":
				// the follower missed the broadcast request
				if err := c.send(ctx, from, protocol.RequestIdentity()); err != nil {
					return nil, err
				}
			default:
				l.Debugw("ignoring announce", "from", from, "state", state.String())
			}

		case protocol.KindSendIdentity:
			id, _ := m.Identity()
			if !known || (state != CollectingIdentities && state != AwaitingAcks) {
				l.Debugw("ignoring identity", "from", from, "state", state.String())
				continue
			}
			if prev, ok := identities[from]; ok {
				if prev != id {
					l.Warnw("peer sent a different identity, keeping the first", "from", from)
				}
			} else if state == CollectingIdentities {
				identities[from] = id
				arrived = append(arrived, id)
				l.Infow("identity received", "from", from, "have", fmt.Sprintf("%d/%d", len(identities), expected))
			}
			if err := c.send(ctx, from, protocol.IdentityAck()); err != nil {
				return nil, err
			}
			if state == CollectingIdentities && len(identities) == expected {
				if err := distribute(); err != nil {
					return nil, err
				}
			} else if state == AwaitingAcks {
				if _, ok := acked[from]; !ok {
					// it has the identity acked but apparently not the config
					if err := c.send(ctx, from, config); err != nil {
						return nil, err
					}
				}
			}

		case protocol.KindConfigAck:
			if state != AwaitingAcks || !known {
				l.Debugw("ignoring config ack", "from", from, "state", state.String())
				continue
			}
			if _, ok := acked[from]; ok {
				continue
			}
			acked[from] = struct{}{}
			l.Infow("config acknowledged", "from", from, "have", fmt.Sprintf("%d/%d", len(acked), expected))
			if len(acked) == expected {
				if err := c.broadcast(ctx, protocol.ExchangeEnd()); err != nil {
					return nil, err
				}
				setState(LeaderDone)
				c.collected = identities
				return ordered(), nil
			}

		default:
			l.Debugw("ignoring message", "kind", m.Kind.String(), "from", from, "state", state.String())
		}
	}
}

// Identities returns the follower identities by position once RunAsLeader
// succeeded.
func (c *Coordinator) Identities() map[uint32]string {
	out := make(map[uint32]string, len(c.collected))
	for p, id := range c.collected {
		out[p] = id
	}
	return out
}

// RunAsFollower announces this node to the leader position, answers the
// first identity request and adopts the configuration it distributes. The
// sender of that first request is the leader from then on. It returns once
// the leader declared the exchange over.
func (c *Coordinator) RunAsFollower(ctx context.Context, position uint32) error {
	if position == LeaderPosition {
		return fmt.Errorf("position %d is the leader", position)
	}
	if self := c.tr.Self(); self != position {
		return fmt.Errorf("transport bound to position %d, not %d", self, position)
	}
	l := c.l.Named("follower")
	w := newWaiter(c.tr, c.clock, c.policy)
	identity := c.op.Identity()
	leader, known := LeaderPosition, false

	state := AnnouncingSelf
	setState := func(s FollowerState) {
		l.Infow("state change", "from", state.String(), "to", s.String())
		state = s
		metrics.ProtocolState.WithLabelValues("follower").Set(float64(s))
		w.reset()
	}
	metrics.ProtocolState.WithLabelValues("follower").Set(float64(state))

	if err := c.send(ctx, LeaderPosition, protocol.Announce()); err != nil {
		return err
	}
	setState(AwaitingRequest)

	resend := func(ctx context.Context) error {
		switch state {
		case AwaitingRequest:
			return c.send(ctx, LeaderPosition, protocol.Announce())
		case AwaitingConfig:
			return c.send(ctx, leader, protocol.SendIdentity(identity))
		case AwaitingEnd:
			return c.send(ctx, leader, protocol.ConfigAck())
		}
		return nil
	}

	for {
		env, m, err := c.next(ctx, w, "follower", state, resend)
		if err != nil {
			return err
		}
		switch {
		case !known && m.Kind == protocol.KindRequestIdentity:
			leader, known = env.Sender, true
			l.Infow("leader requested identity", "leader", leader)
		case !known || env.Sender != leader:
			l.Debugw("ignoring message from non leader", "kind", m.Kind.String(), "from", env.Sender)
			continue
		}

		switch m.Kind {
		case protocol.KindRequestIdentity:
			if err := c.send(ctx, leader, protocol.SendIdentity(identity)); err != nil {
				return err
			}
			if state == AwaitingRequest {
				setState(AwaitingConfig)
			}

		case protocol.KindIdentityAck:
			l.Debugw("identity acknowledged by leader")

		case protocol.KindConfigGenerated:
			if state == AwaitingRequest {
				l.Debugw("ignoring config before identity was requested")
				continue
			}
			cfg, _ := m.Config()
			if err := c.op.AdoptConfig([]byte(cfg)); err != nil {
				return fmt.Errorf("adopting config: %w", err)
			}
			if err := c.send(ctx, leader, protocol.ConfigAck()); err != nil {
				return err
			}
			if state == AwaitingConfig {
				setState(AwaitingEnd)
			}

		case protocol.KindExchangeEnd:
			if state != AwaitingEnd {
				l.Debugw("ignoring end of exchange", "state", state.String())
				continue
			}
			setState(FollowerDone)
			return nil

		default:
			l.Debugw("ignoring message", "kind", m.Kind.String(), "state", state.String())
		}
	}
}
