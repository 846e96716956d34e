package docker

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dvsetup/dvsetup/common/log"
)

// Client is a Runtime talking to a docker engine.
type Client struct {
	api *client.Client
	l   log.Logger
}

var _ Runtime = (*Client)(nil)

// Connect opens a client from the environment (DOCKER_HOST and friends), or
// to host when given, and pings the engine.
func Connect(ctx context.Context, host string, l log.Logger) (*Client, error) {
	l = l.Named("docker")
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	l.Infow("connecting to docker engine", "host", host)
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, ioError("connect", err)
	}
	if _, err := api.Ping(ctx); err != nil {
		l.Errorw("failed to ping docker engine", "err", err)
		_ = api.Close()
		return nil, ioError("ping", err)
	}
	return &Client{api: api, l: l}, nil
}

// Close releases the underlying http transport.
func (c *Client) Close() error {
	return c.api.Close()
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return ioError("inspect image", err)
	}
	c.l.Infow("pulling image", "image", ref)
	rc, err := c.api.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return ioError("pull image", err)
	}
	defer rc.Close()
	// the pull only completes once the progress stream is consumed
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return ioError("pull image", err)
	}
	return nil
}

func (c *Client) Create(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
	}
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", ioError("create container", err)
	}
	for _, w := range resp.Warnings {
		c.l.Warnw("container create warning", "warning", w)
	}
	return resp.ID, nil
}

func (c *Client) Start(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return ioError("start container", err)
	}
	return nil
}

func (c *Client) Logs(ctx context.Context, id string, stderr io.Writer) (io.ReadCloser, error) {
	raw, err := c.api.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, ioError("container logs", err)
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return demux(raw, stderr), nil
}

func (c *Client) Wait(ctx context.Context, id string) (int64, error) {
	respCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return resp.StatusCode, &ExitError{Code: resp.StatusCode, Message: resp.Error.Message}
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return 0, ioError("wait container", err)
	}
}

func (c *Client) Remove(ctx context.Context, id string) error {
	err := c.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return ioError("remove container", err)
	}
	return nil
}

// demuxed splits the multiplexed log stream of a non tty container.
type demuxed struct {
	*io.PipeReader
	raw io.ReadCloser
}

func demux(raw io.ReadCloser, stderr io.Writer) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, raw)
		pw.CloseWithError(err)
	}()
	return &demuxed{PipeReader: pr, raw: raw}
}

// Close stops the copy by closing both ends.
func (d *demuxed) Close() error {
	_ = d.PipeReader.Close()
	return d.raw.Close()
}
