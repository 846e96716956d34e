package core

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"github.com/dvsetup/dvsetup/protocol"
	"github.com/dvsetup/dvsetup/transport"
)

// RetryPolicy bounds how long a node waits on its peers during the exchange.
// A zero ReceiveTimeout waits forever.
type RetryPolicy struct {
	// ReceiveTimeout is the first wait before retransmitting. Each later
	// wait doubles, up to MaxBackoff.
	ReceiveTimeout time.Duration
	// MaxRetries is the number of retransmissions before giving up.
	MaxRetries uint64
	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy waits 30s, then 1m, 2m, 4m, 5m, 5m.
var DefaultRetryPolicy = RetryPolicy{
	ReceiveTimeout: 30 * time.Second,
	MaxRetries:     5,
	MaxBackoff:     5 * time.Minute,
}

var errReceiveTimeout = errors.New("receive timeout")

// waiter receives envelopes under the policy. The wait schedule restarts
// whenever the state machine makes progress.
type waiter struct {
	tr     transport.Transport
	clock  clockwork.Clock
	policy RetryPolicy

	wait     time.Duration
	schedule retry.Backoff
}

func newWaiter(tr transport.Transport, clock clockwork.Clock, policy RetryPolicy) *waiter {
	w := &waiter{tr: tr, clock: clock, policy: policy}
	w.reset()
	return w
}

func (w *waiter) reset() {
	w.wait = w.policy.ReceiveTimeout
	if w.wait <= 0 {
		return
	}
	b := retry.WithMaxRetries(w.policy.MaxRetries, retry.NewExponential(2*w.wait))
	if w.policy.MaxBackoff > 0 {
		b = retry.WithCappedDuration(w.policy.MaxBackoff, b)
	}
	w.schedule = b
}

// next moves to the following wait. It reports false once the retries are
// exhausted.
func (w *waiter) next() bool {
	d, stop := w.schedule.Next()
	if stop {
		return false
	}
	w.wait = d
	return true
}

// receive returns the next envelope, or errReceiveTimeout once the current
// wait elapsed.
func (w *waiter) receive(ctx context.Context) (*protocol.Envelope, error) {
	if w.wait <= 0 {
		return w.tr.Receive(ctx)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := w.clock.NewTimer(w.wait)
	defer timer.Stop()

	expired := make(chan struct{})
	go func() {
		select {
		case <-timer.Chan():
			close(expired)
			cancel()
		case <-rctx.Done():
		}
	}()

	env, err := w.tr.Receive(rctx)
	if err != nil && ctx.Err() == nil {
		select {
		case <-expired:
			return nil, errReceiveTimeout
		default:
		}
	}
	return env, err
}
