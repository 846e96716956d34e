package docker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dvsetup/dvsetup/common/log"
)

// DefaultComposeBinary is the compose executable used when none is configured.
const DefaultComposeBinary = "docker-compose"

// Compose drives a compose project living in Dir.
type Compose struct {
	// Binary is either a compose executable or "docker compose" style
	// command with arguments separated by spaces.
	Binary string
	Dir    string
	l      log.Logger
}

// NewCompose returns a compose driver for the project in dir.
func NewCompose(binary, dir string, l log.Logger) *Compose {
	if binary == "" {
		binary = DefaultComposeBinary
	}
	return &Compose{Binary: binary, Dir: dir, l: l.Named("compose")}
}

// Up starts every service of the project in the background.
func (c *Compose) Up(ctx context.Context) error {
	_, err := c.run(ctx, "up", "-d")
	return err
}

// ContainerID returns the id of the container running service.
func (c *Compose) ContainerID(ctx context.Context, service string) (string, error) {
	out, err := c.run(ctx, "ps", "-q", service)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("service %s is not running", service)
	}
	// several replicas print one id per line, the first is enough
	if i := strings.IndexByte(id, '\n'); i >= 0 {
		id = id[:i]
	}
	return id, nil
}

func (c *Compose) run(ctx context.Context, args ...string) (string, error) {
	parts := strings.Fields(c.Binary)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty compose binary")
	}
	cmd := exec.CommandContext(ctx, parts[0], append(parts[1:], args...)...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.l.Debugw("running compose", "args", args, "dir", c.Dir)
	if err := cmd.Run(); err != nil {
		c.l.Errorw("compose failed", "args", args, "stderr", strings.TrimSpace(stderr.String()))
		return "", ioError("compose "+args[0], err)
	}
	return stdout.String(), nil
}
