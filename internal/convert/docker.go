package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const DefaultImage = "linuxserver/ffmpeg:latest"

var _ Converter = &Docker{}

// Docker runs ffmpeg inside a container.
// The directory containing input and output is bind-mounted at the same path.
type Docker struct {
	Image string
	Codec string

	mutex  sync.Mutex
	client *client.Client
	pulled bool
}

func (c *Docker) Convert(ctx context.Context, input, output string) error {
	img := c.Image
	if img == "" {
		img = DefaultImage
	}

	cli, err := c.dockerClient(ctx, img)
	if err != nil {
		return err
	}

	dir := filepath.Dir(input)
	if filepath.Dir(output) != dir {
		return fmt.Errorf("docker converter: input and output must share a directory")
	}

	cfg := &container.Config{
		Image:      img,
		Entrypoint: []string{"ffmpeg"},
		Cmd:        Args(input, output, c.Codec),
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{dir + ":" + dir},
		NetworkMode: "none",
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("docker converter: create container: %w", err)
	}

	defer func() {
		// the request context may already be done at this point
		err := cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("failed to remove converter container: %s", err))
		}
	}()

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker converter: start container: %w", err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("docker converter: %w", ctx.Err())
			}
			return fmt.Errorf("docker converter: wait: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return &ExitError{Code: int(status.StatusCode), Stderr: containerStderr(ctx, cli, resp.ID)}
		}
	case <-ctx.Done():
		return fmt.Errorf("docker converter: %w", ctx.Err())
	}

	return nil
}

// Close releases the docker client.
func (c *Docker) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

func (c *Docker) dockerClient(ctx context.Context, img string) (*client.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker converter: create docker client: %w", err)
		}

		c.client = cli
	}

	if !c.pulled {
		if _, err := c.client.ImageInspect(ctx, img); err != nil {
			slog.Info(fmt.Sprintf("pulling converter image %s", img))

			reader, err := c.client.ImagePull(ctx, img, image.PullOptions{})
			if err != nil {
				return nil, fmt.Errorf("docker converter: pull image: %w", err)
			}

			_, _ = io.Copy(io.Discard, reader)
			_ = reader.Close()
		}

		c.pulled = true
	}

	return c.client, nil
}

func containerStderr(ctx context.Context, cli *client.Client, containerID string) string {
	out, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStderr: true})
	if err != nil {
		return ""
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)

	return trimStderr(stderr.String())
}
