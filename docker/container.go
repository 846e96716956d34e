package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/metrics"
)

// State is the lifecycle position of a Container.
type State int

const (
	StateNew State = iota
	StateCreated
	StateRunning
	StateExited
	StateFailed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// removeTimeout bounds cleanup once the caller context is gone.
const removeTimeout = 30 * time.Second

// Container is a single run of an image.
type Container struct {
	rt   Runtime
	spec Spec
	l    log.Logger

	id       string
	state    State
	exitCode int64
}

// NewContainer prepares a run of image. Nothing is created until Create or
// Start is called.
func NewContainer(rt Runtime, image string, l log.Logger) *Container {
	return &Container{
		rt:   rt,
		spec: Spec{Image: image},
		l:    l.Named("container").With("image", image),
	}
}

// Cmd sets the command arguments.
func (c *Container) Cmd(args ...string) *Container {
	c.spec.Cmd = append([]string(nil), args...)
	return c
}

// Binds sets the host:container mounts.
func (c *Container) Binds(binds ...string) *Container {
	c.spec.Binds = append([]string(nil), binds...)
	return c
}

// Env sets KEY=value environment entries.
func (c *Container) Env(env ...string) *Container {
	c.spec.Env = append([]string(nil), env...)
	return c
}

// ID is empty until the container has been created.
func (c *Container) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	return c.state
}

// ExitCode is only meaningful once the state is StateExited.
func (c *Container) ExitCode() int64 {
	return c.exitCode
}

// Create creates the container.
func (c *Container) Create(ctx context.Context) error {
	if c.state != StateNew {
		return fmt.Errorf("container already %s", c.state)
	}
	c.l.Debugw("creating container", "cmd", c.spec.Cmd)
	id, err := c.rt.Create(ctx, c.spec)
	if err != nil {
		c.state = StateFailed
		return err
	}
	c.id = id
	c.state = StateCreated
	c.l = c.l.With("id", shortID(id))
	return nil
}

// Start starts the container, creating it first if needed. When
// waitForExit is set it also waits for the container to exit successfully.
func (c *Container) Start(ctx context.Context, waitForExit bool) error {
	if c.state == StateNew {
		if err := c.Create(ctx); err != nil {
			return err
		}
	}
	if c.state != StateCreated {
		return fmt.Errorf("cannot start container in state %s", c.state)
	}
	c.l.Debugw("starting container")
	if err := c.rt.Start(ctx, c.id); err != nil {
		c.state = StateFailed
		return err
	}
	c.state = StateRunning
	if waitForExit {
		return c.Wait(ctx)
	}
	return nil
}

// Wait blocks until the container stops. A non zero status is returned as
// an *ExitError.
func (c *Container) Wait(ctx context.Context) error {
	if c.state != StateRunning {
		if c.state == StateExited {
			return c.exitErr()
		}
		return fmt.Errorf("cannot wait on container in state %s", c.state)
	}
	code, err := c.rt.Wait(ctx, c.id)
	if err != nil {
		c.state = StateFailed
		c.l.Errorw("container failed", "err", err)
		return err
	}
	c.state = StateExited
	c.exitCode = code
	if err := c.exitErr(); err != nil {
		c.l.Errorw("container failed", "status", code)
		return err
	}
	c.l.Debugw("container exited")
	return nil
}

func (c *Container) exitErr() error {
	if c.exitCode != 0 {
		return &ExitError{Code: c.exitCode}
	}
	return nil
}

// Logs follows the container output. Only valid once started.
func (c *Container) Logs(ctx context.Context, stderr io.Writer) (io.ReadCloser, error) {
	if c.state != StateRunning && c.state != StateExited {
		return nil, fmt.Errorf("no output for container in state %s", c.state)
	}
	return c.rt.Logs(ctx, c.id, stderr)
}

// Remove deletes the container. It is a no-op when nothing was created.
func (c *Container) Remove(ctx context.Context) error {
	if c.id == "" || c.state == StateRemoved {
		return nil
	}
	c.l.Debugw("removing container")
	if err := c.rt.Remove(ctx, c.id); err != nil {
		c.l.Errorw("failed to remove container", "err", err)
		return err
	}
	c.state = StateRemoved
	return nil
}

// Run creates the container, hands it to fn and removes it before
// returning, whatever fn did. A removal failure is reported alongside the
// error of fn.
func Run(ctx context.Context, c *Container, fn func(ctx context.Context, c *Container) error) (err error) {
	if err := c.Create(ctx); err != nil {
		metrics.ContainerRuns.WithLabelValues("create_failed").Inc()
		return err
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if rmErr := c.Remove(rmCtx); rmErr != nil {
			err = multierror.Append(err, fmt.Errorf("removing container: %w", rmErr)).ErrorOrNil()
		}
	}()

	err = fn(ctx, c)
	var exit *ExitError
	switch {
	case err == nil:
		metrics.ContainerRuns.WithLabelValues("success").Inc()
	case errors.As(err, &exit):
		metrics.ContainerRuns.WithLabelValues("exit_error").Inc()
	default:
		metrics.ContainerRuns.WithLabelValues("failed").Inc()
	}
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
