// Package memnet is an in-process Transport connecting a fixed set of
// participants through unbounded queues. Tests and local demos use it in
// place of the gossip network.
package memnet

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dvsetup/dvsetup/protocol"
	"github.com/dvsetup/dvsetup/transport"
)

// Filter decides whether an envelope is delivered to position to. Returning
// false drops it.
type Filter func(e *protocol.Envelope, to uint32) bool

// Network links n endpoints.
type Network struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	filter    Filter
}

// New returns a network of n participants at positions 0..n-1.
func New(n int) *Network {
	net := &Network{endpoints: make([]*Endpoint, n)}
	for i := range net.endpoints {
		net.endpoints[i] = &Endpoint{
			net:    net,
			pos:    uint32(i),
			signal: make(chan struct{}, 1),
		}
	}
	return net
}

// Endpoint returns the transport of the participant at position.
func (n *Network) Endpoint(position int) *Endpoint {
	return n.endpoints[position]
}

// SetFilter installs f on every delivery. A nil filter delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Close closes every endpoint.
func (n *Network) Close() {
	for _, e := range n.endpoints {
		_ = e.Close()
	}
}

func (n *Network) deliver(e *protocol.Envelope) error {
	n.mu.RLock()
	filter := n.filter
	n.mu.RUnlock()

	if e.Recipient != nil {
		to := *e.Recipient
		if int(to) >= len(n.endpoints) {
			return fmt.Errorf("no participant at position %d", to)
		}
		if filter == nil || filter(e, to) {
			n.endpoints[to].push(e)
		}
		return nil
	}
	for _, ep := range n.endpoints {
		if ep.pos == e.Sender {
			continue
		}
		if filter == nil || filter(e, ep.pos) {
			ep.push(e)
		}
	}
	return nil
}

// Endpoint is one participant's view of the network.
type Endpoint struct {
	net *Network
	pos uint32

	mu     sync.Mutex
	queue  []*protocol.Envelope
	closed bool
	signal chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

// Self returns the position of the endpoint.
func (e *Endpoint) Self() uint32 {
	return e.pos
}

func (e *Endpoint) key() []byte {
	return []byte(fmt.Sprintf("memnet-%d", e.pos))
}

// Send unicasts m to the participant at position to.
func (e *Endpoint) Send(ctx context.Context, to uint32, m protocol.Message) error {
	env, err := transport.Seal(e.pos, &to, e.key(), m)
	if err != nil {
		return err
	}
	return e.send(ctx, env)
}

// Broadcast delivers m to every other participant.
func (e *Endpoint) Broadcast(ctx context.Context, m protocol.Message) error {
	env, err := transport.Seal(e.pos, nil, e.key(), m)
	if err != nil {
		return err
	}
	return e.send(ctx, env)
}

func (e *Endpoint) send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return transport.IOError("send", io.ErrClosedPipe)
	}
	if err := e.net.deliver(env); err != nil {
		return transport.IOError("send", err)
	}
	return nil
}

// Receive pops the next queued envelope, blocking until one arrives, the
// endpoint is closed (io.EOF) or ctx is done.
func (e *Endpoint) Receive(ctx context.Context) (*protocol.Envelope, error) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			env := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return env, nil
		}
		if e.closed {
			e.mu.Unlock()
			return nil, io.EOF
		}
		e.mu.Unlock()

		select {
		case <-e.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the endpoint. Already queued envelopes are still returned by
// Receive before io.EOF.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wake()
	return nil
}

// Inject queues a raw envelope as if it had arrived from the network.
func (e *Endpoint) Inject(env *protocol.Envelope) {
	e.push(env)
}

func (e *Endpoint) push(env *protocol.Envelope) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, env)
	e.mu.Unlock()
	e.wake()
}

func (e *Endpoint) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}
