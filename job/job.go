// Package job dispatches scheduler events to the handlers a node registered
// once its validator service is running.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/jonboulle/clockwork"

	"github.com/dvsetup/dvsetup/common/log"
)

// ErrUnknownJob is returned when no handler is registered for an event.
var ErrUnknownJob = errors.New("unknown job")

// Event is one invocation of a job.
type Event struct {
	Job  string `json:"job"`
	Call uint64 `json:"call"`
	Args []byte `json:"args,omitempty"`
}

// Result is what a handler produced for an event.
type Result struct {
	Job    string          `json:"job"`
	Call   uint64          `json:"call"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Handler runs one kind of job.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev Event) (Result, error)
}

type schedule struct {
	job   string
	every time.Duration
}

// Runner owns the registered handlers. Events are handled one at a time.
type Runner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	periodic []schedule
	calls    uint64
	clock    clockwork.Clock
	l        log.Logger
}

// NewRunner returns a runner without handlers.
func NewRunner(clock clockwork.Clock, l log.Logger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		handlers: make(map[string]Handler),
		clock:    clock,
		l:        l.Named("jobs"),
	}
}

// Register adds h. A second handler with the same name is an error.
func (r *Runner) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("job %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Every makes Run fire an event for job at the given interval.
func (r *Runner) Every(job string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodic = append(r.periodic, schedule{job: job, every: d})
}

// Dispatch hands ev to its handler and waits for the result. A zero Call is
// replaced by the next call number.
func (r *Runner) Dispatch(ctx context.Context, ev Event) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[ev.Job]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownJob, ev.Job)
	}
	r.calls++
	if ev.Call == 0 {
		ev.Call = r.calls
	}
	l := r.l.With("job", ev.Job, "call", ev.Call)
	l.Debugw("handling event")
	res, err := h.Handle(ctx, ev)
	if err != nil {
		l.Errorw("job failed", "err", err)
		return Result{}, err
	}
	res.Job, res.Call = ev.Job, ev.Call
	return res, nil
}

// Run fires the periodic events until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	periodic := append([]schedule(nil), r.periodic...)
	handlers := len(r.handlers)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range periodic {
		wg.Add(1)
		go func(s schedule) {
			defer wg.Done()
			ticker := r.clock.NewTicker(s.every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					if _, err := r.Dispatch(ctx, Event{Job: s.job}); err != nil && ctx.Err() == nil {
						r.l.Warnw("periodic job failed", "job", s.job, "err", err)
					}
				}
			}
		}(s)
	}
	r.l.Infow("job runner started", "handlers", handlers, "periodic", len(periodic))
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Handler serves POST /{job}, the request body being the event arguments.
func (r *Runner) Handler() http.Handler {
	router := chi.NewRouter()
	router.Post("/{job}", func(w http.ResponseWriter, req *http.Request) {
		args, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := r.Dispatch(req.Context(), Event{Job: chi.URLParam(req, "job"), Args: args})
		switch {
		case errors.Is(err, ErrUnknownJob):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	return router
}
