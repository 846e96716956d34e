// Package docker runs the ceremony tool in short lived containers. Every run
// is created fresh, started, drained of its output, waited on and removed;
// nothing is reused across runs.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/dvsetup/dvsetup/common"
)

// Spec describes the container to create.
type Spec struct {
	Image string
	Cmd   []string
	Env   []string
	// Binds are host:container[:mode] mounts.
	Binds []string
}

// Runtime is the subset of a container engine the ceremony relies on.
type Runtime interface {
	// Create makes a container from spec and returns its id.
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	// Logs follows the output of the container until it exits. The returned
	// reader yields stdout; stderr is copied to the given writer.
	Logs(ctx context.Context, id string, stderr io.Writer) (io.ReadCloser, error)
	// Wait blocks until the container is no longer running and returns its
	// exit code.
	Wait(ctx context.Context, id string) (int64, error)
	// Remove deletes the container, stopping it first if needed. Removing a
	// container that no longer exists is not an error.
	Remove(ctx context.Context, id string) error
}

// ExitError is returned when a container exits with a non zero status.
type ExitError struct {
	Code    int64
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("container exited with status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("container exited with status %d", e.Code)
}

func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, common.ErrProcessIO, err)
}
