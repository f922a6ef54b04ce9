// Package sandbox builds and supervises the encrypted execution
// container on the provider host, and implements the in-container
// runner that drives the AI CLI over a LUKS-on-loop workspace.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized means the sandbox got a 401 from the ephemeral git
	// server; the requester's bearer or the provider's clock is off.
	ErrUnauthorized = errors.New("git server rejected sandbox credentials (401)")
	// ErrExecutionFailed is the generic nonzero-exit outcome.
	ErrExecutionFailed = errors.New("sandbox execution failed")
)

const (
	memoryLimit  = 1 << 30 // 1 GiB, swap pinned to the same value
	pidsLimit    = int64(200)
	waitTimeout  = 30 * time.Minute
	namePrefix   = "hokipoki-"
	mapperDevice = "/dev/mapper"
)

// RunSpec is everything one task execution needs.
type RunSpec struct {
	TaskID          string
	GitURL          string
	GitToken        string
	Tool            string
	Model           string
	TaskDescription string
	OAuthToken      string // tool credential: plain token (claude) or double-encoded blob
}

// Executor drives the Docker Engine for sandbox containers.
type Executor struct {
	cli        *client.Client
	image      string
	debugPause bool
	log        *zap.Logger
}

// NewExecutor validates the image reference and connects to the local
// Docker daemon.
func NewExecutor(image string, debugPause bool, log *zap.Logger) (*Executor, error) {
	if _, err := name.ParseReference(image); err != nil {
		return nil, fmt.Errorf("invalid sandbox image %q: %w", image, err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Executor{cli: cli, image: image, debugPause: debugPause, log: log}, nil
}

// Run executes one task in a fresh container and returns the
// sentinel-captured commit summary. The container is force-removed on
// every exit path.
func (e *Executor) Run(ctx context.Context, spec RunSpec) (string, error) {
	if err := e.EnsureImage(ctx); err != nil {
		return "", err
	}

	gitHost, err := hostOf(spec.GitURL)
	if err != nil {
		return "", err
	}

	containerName := namePrefix + spec.TaskID + "-" + uuid.NewString()[:8]
	env := []string{
		"TASK_ID=" + spec.TaskID,
		"GIT_URL=" + spec.GitURL,
		"GIT_TOKEN=" + spec.GitToken,
		"AI_TOOL=" + spec.Tool,
		"TASK_DESCRIPTION=" + spec.TaskDescription,
		"OAUTH_TOKEN=" + spec.OAuthToken,
	}
	if spec.Model != "" {
		env = append(env, "AI_MODEL="+spec.Model)
	}
	if e.debugPause {
		env = append(env, "DEBUG_PAUSE=1")
	}

	pids := pidsLimit
	hostConfig := &container.HostConfig{
		CapAdd: []string{"SYS_ADMIN", "MKNOD"},
		Resources: container.Resources{
			Memory:     memoryLimit,
			MemorySwap: memoryLimit, // no swap beyond the memory limit
			PidsLimit:  &pids,
			DeviceCgroupRules: []string{
				"b 7:* rwm",  // loop devices
				"c 10:* rwm", // device-mapper control
			},
		},
		Tmpfs: map[string]string{
			"/workspace": "rw,size=300m,mode=0755",
			"/tmp":       "rw,size=50m,mode=1777",
		},
		// The tunnel subdomain resolves back to this host so the clone
		// URL works from inside the container's network namespace.
		ExtraHosts: []string{gitHost + ":host-gateway"},
	}

	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{Image: e.image, Env: env},
		hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	defer e.forceRemove(created.ID)

	if err := e.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container: %w", err)
	}
	e.log.Info("sandbox started",
		zap.String("task", spec.TaskID),
		zap.String("container", containerName))

	summary, sawUnauthorized, err := e.superviseLogs(ctx, created.ID)
	if err != nil {
		e.log.Warn("sandbox log stream ended early", zap.Error(err))
	}

	exitCode, err := e.awaitExit(ctx, created.ID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		if sawUnauthorized {
			return "", ErrUnauthorized
		}
		return "", fmt.Errorf("%w: exit code %d", ErrExecutionFailed, exitCode)
	}
	return summary, nil
}

// superviseLogs follows the demuxed container output, captures the
// sentinel-bracketed commit summary and watches for 401 responses from
// the git server.
func (e *Executor) superviseLogs(ctx context.Context, containerID string) (summary string, sawUnauthorized bool, err error) {
	logs, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return "", false, fmt.Errorf("attach logs: %w", err)
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, copyErr := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(copyErr) //nolint:errcheck
	}()

	var inSentinel bool
	var captured strings.Builder
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "401 Unauthorized") {
			sawUnauthorized = true
		}
		switch {
		case strings.Contains(line, SentinelStart):
			if msg, ok := ExtractCommitMessage(line); ok {
				summary = msg
				continue
			}
			inSentinel = true
		case inSentinel && strings.Contains(line, SentinelEnd):
			inSentinel = false
			summary = strings.TrimSpace(captured.String())
		case inSentinel:
			captured.WriteString(line)
			captured.WriteString("\n")
		}
	}
	wg.Wait()
	return summary, sawUnauthorized, scanner.Err()
}

func (e *Executor) awaitExit(ctx context.Context, containerID string) (int64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	statusCh, errCh := e.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("wait for sandbox: %w", err)
	}
}

// forceRemove runs on every exit path, with its own deadline so a
// cancelled task context cannot leave the container behind.
func (e *Executor) forceRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		e.log.Warn("remove sandbox container", zap.Error(err))
	}
}

// KillByTask force-removes every container whose name carries the task
// prefix. Used on task_cancelled.
func (e *Executor) KillByTask(ctx context.Context, taskID string) error {
	list, err := e.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix+taskID)),
	})
	if err != nil {
		return fmt.Errorf("list sandbox containers: %w", err)
	}
	for _, c := range list {
		if err := e.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			e.log.Warn("kill sandbox container", zap.String("id", c.ID), zap.Error(err))
		} else {
			e.log.Info("sandbox killed", zap.String("task", taskID), zap.String("id", c.ID))
		}
	}
	return nil
}

// hostOf extracts the hostname from the ephemeral git URL.
func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid git url %q", rawURL)
	}
	return u.Hostname(), nil
}
