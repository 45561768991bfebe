// Package executor runs a dispatched task's command inside a
// container, adapted from the teacher's internal/worker/executor/docker.go
// Run method (spec 1 frames Node-internal execution as out of core
// scope, but cmd/nodesim needs something that actually executes a task
// to be useful for local integration testing).
package executor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker runs one task's shell command to completion inside a
// container and returns its combined stdout/stderr.
type Docker struct {
	cli   *client.Client
	image string
}

func NewDocker(image string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	if image == "" {
		image = "alpine:latest"
	}
	return &Docker{cli: cli, image: image}, nil
}

// Run executes command inside a fresh container, removing it once the
// run completes regardless of outcome.
func (d *Docker) Run(ctx context.Context, taskID string, command []string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   command,
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container for task %s: %w", taskID, err)
	}
	containerID := resp.ID
	defer d.cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})

	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container for task %s: %w", taskID, err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("wait container for task %s: %w", taskID, err)
		}
	case <-statusCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	outReader, err := d.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("read logs for task %s: %w", taskID, err)
	}
	defer outReader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		return "", fmt.Errorf("demux logs for task %s: %w", taskID, err)
	}
	return buf.String(), nil
}

func (d *Docker) Close() error { return d.cli.Close() }
