// Package ceremony drives the key generation tool through its phases, one
// short lived container per phase. Every phase is gated on the artifact it
// produces: when the artifact already exists the phase does nothing, so a
// node can be restarted at any point.
package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dvsetup/dvsetup/artifact"
	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/common/log"
	"github.com/dvsetup/dvsetup/docker"
	"github.com/dvsetup/dvsetup/linescan"
	"github.com/dvsetup/dvsetup/metrics"
)

const (
	// DefaultImage is the tool image used when none is configured.
	DefaultImage = "obolnetwork/charon:v1.1.1"
	// MountPoint is where the data directory is mounted inside the container.
	MountPoint = "/opt/charon"
	// DefaultService is the compose service running the validator client.
	DefaultService = "charon"

	identityPrefix = "enr:-"
)

// Service starts the long running validator stack.
type Service interface {
	Up(ctx context.Context) error
	ContainerID(ctx context.Context, service string) (string, error)
}

// Options configure an Operator. Zero values pick the defaults.
type Options struct {
	Image         string
	ComposeBinary string
	ServiceName   string
	// Service overrides the compose project found in the data directory.
	Service Service
}

// Operator runs the ceremony phases of one node.
type Operator struct {
	rt       docker.Runtime
	store    artifact.Store
	svc      Service
	image    string
	svcName  string
	identity string
	l        log.Logger
}

// NewOperator loads the node identity, generating it with the tool if the
// identity key does not exist yet.
func NewOperator(ctx context.Context, rt docker.Runtime, store artifact.Store, opts Options, l log.Logger) (*Operator, error) {
	o := &Operator{
		rt:      rt,
		store:   store,
		svc:     opts.Service,
		image:   opts.Image,
		svcName: opts.ServiceName,
		l:       l.Named("operator").With("dir", store.Root()),
	}
	if o.image == "" {
		o.image = DefaultImage
	}
	if o.svcName == "" {
		o.svcName = DefaultService
	}
	if o.svc == nil {
		o.svc = docker.NewCompose(opts.ComposeBinary, store.Root(), l)
	}

	id, err := o.loadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	o.identity = id
	return o, nil
}

// Identity is the node identity record shared with the other participants.
func (o *Operator) Identity() string {
	return o.identity
}

func (o *Operator) container() *docker.Container {
	return docker.NewContainer(o.rt, o.image, o.l).
		Binds(fmt.Sprintf("%s:%s", o.store.Root(), MountPoint))
}

func (o *Operator) loadIdentity(ctx context.Context) (id string, err error) {
	exists, err := o.store.Exists(artifact.IdentityKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrIdentityGenerationFailed, err)
	}
	if exists {
		b, err := o.store.Read(artifact.IdentityPublic)
		if err != nil {
			return "", fmt.Errorf("%w: reading identity: %w", common.ErrIdentityGenerationFailed, err)
		}
		id = strings.TrimSpace(string(b))
		o.l.Infow("identity exists", "path", o.store.Path(artifact.IdentityPublic))
		return id, nil
	}

	o.l.Infow("identity not found, creating one")
	defer observe("identity", time.Now(), &err)

	c := o.container().Cmd("create", "enr")
	err = docker.Run(ctx, c, func(ctx context.Context, c *docker.Container) error {
		if err := c.Start(ctx, false); err != nil {
			return err
		}
		out, err := c.Logs(ctx, &stderrLogger{l: o.l})
		if err != nil {
			return err
		}
		id, err = linescan.First(out, linescan.HasPrefix(identityPrefix))
		return err
	})
	if err != nil {
		if errors.Is(err, linescan.ErrNoMatch) {
			o.l.Errorw("identity container printed no identity")
		}
		return "", fmt.Errorf("%w: %w", common.ErrIdentityGenerationFailed, err)
	}
	if err := o.store.Write(artifact.IdentityPublic, []byte(id)); err != nil {
		return "", fmt.Errorf("%w: writing identity: %w", common.ErrIdentityGenerationFailed, err)
	}
	o.l.Infow("created identity")
	return id, nil
}

// AuthorConfig creates the definition file for a ceremony between this node
// and peers. Nothing runs when the definition already exists. The returned
// config describes the inputs; the tool output is read with FetchConfig.
func (o *Operator) AuthorConfig(ctx context.Context, peers []string, p Params) (cfg *Config, err error) {
	cfg = NewConfig(o.identity, peers, p)
	exists, err := o.store.Exists(artifact.ConfigDefinition)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigAuthoringFailed, err)
	}
	if exists {
		o.l.Infow("config exists", "path", o.store.Path(artifact.ConfigDefinition))
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigAuthoringFailed, err)
	}

	o.l.Infow("config not found, creating one", "participants", cfg.Participants, "validators", p.ValidatorCount)
	defer observe("config", time.Now(), &err)

	c := o.container().Cmd(cfg.authorArgs()...)
	err = docker.Run(ctx, c, func(ctx context.Context, c *docker.Container) error {
		return c.Start(ctx, true)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigAuthoringFailed, err)
	}
	if exists, err = o.store.Exists(artifact.ConfigDefinition); err != nil || !exists {
		return nil, fmt.Errorf("%w: tool exited without writing %s", common.ErrConfigAuthoringFailed, o.store.Path(artifact.ConfigDefinition))
	}
	o.l.Infow("created config")
	return cfg, nil
}

// FetchConfig returns the definition file as written by the tool.
func (o *Operator) FetchConfig() ([]byte, error) {
	return o.store.Read(artifact.ConfigDefinition)
}

// AdoptConfig replaces the local definition file with the leader's.
func (o *Operator) AdoptConfig(b []byte) error {
	if err := o.store.Write(artifact.ConfigDefinition, b); err != nil {
		return err
	}
	o.l.Infow("adopted config", "bytes", len(b))
	return nil
}

// RunCeremony runs the key generation unless the lock file already exists.
// A definition must have been authored or adopted first. Failure is final.
func (o *Operator) RunCeremony(ctx context.Context) (err error) {
	exists, err := o.store.Exists(artifact.CeremonyLock)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrCeremonyFailed, err)
	}
	if exists {
		o.l.Infow("skipping ceremony, already performed")
		return nil
	}

	o.l.Infow("starting ceremony")
	defer observe("ceremony", time.Now(), &err)

	c := o.container().Cmd("dkg", "--publish")
	err = docker.Run(ctx, c, func(ctx context.Context, c *docker.Container) error {
		return c.Start(ctx, true)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrCeremonyFailed, err)
	}
	if exists, err = o.store.Exists(artifact.CeremonyLock); err != nil || !exists {
		return fmt.Errorf("%w: no lock written at %s", common.ErrCeremonyFailed, o.store.Path(artifact.CeremonyLock))
	}
	o.l.Infow("ceremony succeeded")
	return nil
}

// StartService brings the validator stack up and returns the id of its
// main container.
func (o *Operator) StartService(ctx context.Context) (id string, err error) {
	o.l.Infow("starting validator service")
	defer observe("service", time.Now(), &err)

	if err := o.svc.Up(ctx); err != nil {
		return "", err
	}
	id, err = o.svc.ContainerID(ctx, o.svcName)
	if err != nil {
		return "", err
	}
	o.l.Debugw("validator service started", "container", id)
	return id, nil
}

func observe(phase string, start time.Time, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = "failure"
	}
	metrics.PhaseDuration.WithLabelValues(phase, outcome).Observe(time.Since(start).Seconds())
}

// stderrLogger reports every line the container writes on stderr.
type stderrLogger struct {
	l   log.Logger
	buf bytes.Buffer
}

var _ io.Writer = (*stderrLogger)(nil)

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			s.buf.Reset()
			s.buf.WriteString(line)
			return len(p), nil
		}
		if line = strings.TrimSpace(line); line != "" {
			s.l.Errorw("container stderr", "line", line)
		}
	}
}
