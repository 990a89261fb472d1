// Package runner is a minimal Docker-backed orchestration service for local
// use. It speaks the same /start + /events protocol as the production
// orchestrator, so the daemon can point its orchestration URL at itself and
// exercise the whole lifecycle loop on one machine.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerRunner creates and watches one container per agent task.
type ContainerRunner struct {
	client      *client.Client
	image       string
	memory      int64
	networkMode string
	log         *slog.Logger

	mu     sync.Mutex
	onExit func(containerID string)
}

func NewContainerRunner(image string, memoryMB int64, networkMode string, log *slog.Logger) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "eliza-agent:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &ContainerRunner{
		client:      cli,
		image:       image,
		memory:      memoryMB * 1024 * 1024,
		networkMode: networkMode,
		log:         log,
	}, nil
}

// SetExitHandler registers the callback fired with the container ID when a
// watched container stops.
func (r *ContainerRunner) SetExitHandler(fn func(containerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExit = fn
}

// Start creates and starts a container for the agent and returns its ID as
// the task reference. A watcher goroutine reports the eventual exit.
func (r *ContainerRunner) Start(ctx context.Context, agentID, characterFile, credentials string) (string, error) {
	env := []string{
		"AGENT_ID=" + agentID,
		"CHARACTER_FILE=" + characterFile,
	}
	if credentials != "" {
		env = append(env, "AGENT_CREDENTIALS="+credentials)
	}

	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:  r.image,
		Env:    env,
		Labels: map[string]string{"herder.agent_id": agentID},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.memory,
		},
		NetworkMode: container.NetworkMode(r.networkMode),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	r.log.Info("container started", "agent_id", agentID, "container_id", containerID)

	// The watcher outlives the request.
	go r.watch(context.WithoutCancel(ctx), containerID)
	return containerID, nil
}

func (r *ContainerRunner) watch(ctx context.Context, containerID string) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			r.log.Warn("container wait failed", "container_id", containerID, "error", err.Error())
		}
	case status := <-statusCh:
		r.log.Info("container stopped", "container_id", containerID, "exit_code", status.StatusCode)
	case <-ctx.Done():
		return
	}

	r.mu.Lock()
	fn := r.onExit
	r.mu.Unlock()
	if fn != nil {
		fn(containerID)
	}
}

func (r *ContainerRunner) Close() error {
	return r.client.Close()
}
