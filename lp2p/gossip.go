package lp2p

import (
	"context"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"golang.org/x/xerrors"

	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/protocol"
	"github.com/dvsetup/dvsetup/transport"
)

// Roster maps ordinal positions to the peer allowed to speak for them. An
// empty entry is not checked.
type Roster []peer.ID

// RosterFromAddrs extracts the peer of every address, in order. Addresses
// without a /p2p/ component, like dnsaddr entries, leave their slot empty.
func RosterFromAddrs(addrs []string) Roster {
	r := make(Roster, len(addrs))
	for i, a := range addrs {
		ai, err := peer.AddrInfoFromString(a)
		if err != nil {
			continue
		}
		r[i] = ai.ID
	}
	return r
}

// Gossip is a transport.Transport over a pubsub topic shared by every
// participant. Unicast messages are published on the topic too; receivers
// drop envelopes not addressed to them.
type Gossip struct {
	self    uint32
	id      peer.ID
	key     []byte
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	l       log.Logger
	closing sync.Once
	done    chan struct{}
}

var _ transport.Transport = (*Gossip)(nil)

// NewGossip joins topic as participant self. The topic validator rejects
// messages whose envelope key does not match the publishing peer, or whose
// position belongs to another peer in roster.
func NewGossip(ps *pubsub.PubSub, priv crypto.PrivKey, topic string, self uint32, roster Roster, l log.Logger) (*Gossip, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, xerrors.Errorf("computing peerid: %w", err)
	}
	key, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, xerrors.Errorf("marshaling public key: %w", err)
	}

	l = l.Named("gossip").With("position", self)
	if err := ps.RegisterTopicValidator(topic, envelopeValidator(roster, l)); err != nil {
		return nil, xerrors.Errorf("registering validator: %w", err)
	}
	t, err := ps.Join(topic)
	if err != nil {
		_ = ps.UnregisterTopicValidator(topic)
		return nil, xerrors.Errorf("joining pubsub: %w", err)
	}
	s, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		_ = ps.UnregisterTopicValidator(topic)
		return nil, xerrors.Errorf("subscribe: %w", err)
	}
	return &Gossip{
		self:  self,
		id:    id,
		key:   key,
		topic: t,
		sub:   s,
		l:     l,
		done:  make(chan struct{}),
	}, nil
}

func (g *Gossip) Self() uint32 {
	return g.self
}

func (g *Gossip) Send(ctx context.Context, to uint32, m protocol.Message) error {
	return g.publish(ctx, &to, m)
}

func (g *Gossip) Broadcast(ctx context.Context, m protocol.Message) error {
	return g.publish(ctx, nil, m)
}

func (g *Gossip) publish(ctx context.Context, to *uint32, m protocol.Message) error {
	select {
	case <-g.done:
		return transport.IOError("publish", io.ErrClosedPipe)
	default:
	}
	env, err := transport.Seal(g.self, to, g.key, m)
	if err != nil {
		return err
	}
	if err := g.topic.Publish(ctx, protocol.MarshalEnvelope(env)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.IOError("publish", err)
	}
	return nil
}

// Receive returns the next envelope published by another participant that is
// either broadcast or addressed to this one.
func (g *Gossip) Receive(ctx context.Context) (*protocol.Envelope, error) {
	for {
		msg, err := g.sub.Next(ctx)
		select {
		case <-g.done:
			return nil, io.EOF
		default:
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, transport.IOError("receive", err)
		}
		if msg.ReceivedFrom == g.id {
			continue
		}
		env, err := protocol.UnmarshalEnvelope(msg.Data)
		if err != nil {
			g.l.Warnw("dropping undecodable envelope", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if env.Sender == g.self || !env.For(g.self) {
			continue
		}
		return env, nil
	}
}

// Close leaves the topic. Pending and later Receive calls return io.EOF.
func (g *Gossip) Close() error {
	var err error
	g.closing.Do(func() {
		close(g.done)
		g.sub.Cancel()
		err = g.topic.Close()
	})
	return err
}

func envelopeValidator(roster Roster, l log.Logger) pubsub.ValidatorEx {
	return func(_ context.Context, _ peer.ID, m *pubsub.Message) pubsub.ValidationResult {
		env, err := protocol.UnmarshalEnvelope(m.Data)
		if err != nil {
			return pubsub.ValidationReject
		}
		pub, err := crypto.UnmarshalPublicKey(env.SenderKey)
		if err != nil {
			return pubsub.ValidationReject
		}
		signer, err := peer.IDFromPublicKey(pub)
		if err != nil || signer != m.GetFrom() {
			l.Debugw("rejecting envelope with foreign key", "from", m.GetFrom().String())
			return pubsub.ValidationReject
		}
		if len(roster) > 0 {
			if int(env.Sender) >= len(roster) {
				return pubsub.ValidationReject
			}
			if owner := roster[env.Sender]; owner != "" && owner != signer {
				l.Debugw("rejecting envelope for another position", "from", signer.String(), "position", env.Sender)
				return pubsub.ValidationReject
			}
		}
		return pubsub.ValidationAccept
	}
}
