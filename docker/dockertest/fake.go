// Package dockertest provides an in-memory docker.Runtime for tests.
package dockertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dvsetup/dvsetup/docker"
)

// Behavior scripts what a container does when it runs.
type Behavior struct {
	Stdout   string
	Stderr   string
	ExitCode int64
	// Effect runs when the container starts, typically writing files into
	// the bind mounted directory as the real tool would.
	Effect func(spec docker.Spec) error

	CreateErr error
	StartErr  error
	WaitErr   error
}

type run struct {
	spec     docker.Spec
	behavior Behavior
	started  bool
}

// Fake is a scripted docker.Runtime.
type Fake struct {
	mu        sync.Mutex
	seq       int
	behaviors []rule
	created   []docker.Spec
	live      map[string]*run
	removed   []string
}

type rule struct {
	prefix string
	b      Behavior
}

var _ docker.Runtime = (*Fake)(nil)

// New returns a Fake where every container exits 0 silently.
func New() *Fake {
	return &Fake{live: make(map[string]*run)}
}

// On scripts containers whose command line starts with prefix. Later rules
// take precedence.
func (f *Fake) On(prefix string, b Behavior) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors = append(f.behaviors, rule{prefix: prefix, b: b})
	return f
}

// Created returns the specs of every container created so far.
func (f *Fake) Created() []docker.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docker.Spec(nil), f.created...)
}

// Live returns how many created containers were never removed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Removed returns the ids removed so far.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *Fake) behaviorFor(spec docker.Spec) Behavior {
	line := strings.Join(spec.Cmd, " ")
	for i := len(f.behaviors) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.behaviors[i].prefix) {
			return f.behaviors[i].b
		}
	}
	return Behavior{}
}

func (f *Fake) get(id string) (*run, error) {
	r, ok := f.live[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return r, nil
}

func (f *Fake) Create(_ context.Context, spec docker.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.behaviorFor(spec)
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("fake-%04d", f.seq)
	f.created = append(f.created, spec)
	f.live[id] = &run{spec: spec, behavior: b}
	return id, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	r, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if r.behavior.StartErr != nil {
		return r.behavior.StartErr
	}
	r.started = true
	if r.behavior.Effect != nil {
		return r.behavior.Effect(r.spec)
	}
	return nil
}

func (f *Fake) Logs(_ context.Context, id string, stderr io.Writer) (io.ReadCloser, error) {
	f.mu.Lock()
	r, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if stderr != nil && r.behavior.Stderr != "" {
		_, _ = io.WriteString(stderr, r.behavior.Stderr)
	}
	return io.NopCloser(strings.NewReader(r.behavior.Stdout)), nil
}

func (f *Fake) Wait(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	r, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if r.behavior.WaitErr != nil {
		return 0, r.behavior.WaitErr
	}
	return r.behavior.ExitCode, nil
}

func (f *Fake) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	f.removed = append(f.removed, id)
	return nil
}
