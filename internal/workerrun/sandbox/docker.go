// Package sandbox implements the optional containerized executor backend
// for agent_run tasks (SPEC_FULL §4.8, `--sandbox=docker`): an alternative
// to workerrun's bare-subprocess AgentExecutor for untrusted prompts, using
// a memory-capped, network-disabled-by-default ephemeral container per run.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/coretask/boardqueue/internal/config"
)

const runTimeout = 600 * time.Second

// Result mirrors workerrun.ExecResult; kept as a distinct type so this
// package never imports its parent (workerrun imports sandbox, not the
// reverse) — runtime.go adapts between the two.
type Result struct {
	Output    string
	ExitCode  int
	Succeeded bool
	LastLine  string
	TimedOut  bool
	Cancelled bool
}

// ProgressFunc mirrors workerrun.ProgressFunc.
type ProgressFunc func(text string)

// DockerExecutor runs agent_run prompts inside an ephemeral container built
// from cfg.Image, piping promptText on stdin and streaming combined
// stdout/stderr back as progress.
type DockerExecutor struct {
	cli    *client.Client
	cfg    config.SandboxConfig
	logger *slog.Logger
}

// NewDockerExecutor connects to the local Docker daemon via the standard
// environment-derived client (DOCKER_HOST, TLS certs, etc).
func NewDockerExecutor(cfg config.SandboxConfig, logger *slog.Logger) (*DockerExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "boardqueue/agent-runner:latest"
	}
	return &DockerExecutor{cli: cli, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying Docker API connection.
func (d *DockerExecutor) Close() error {
	return d.cli.Close()
}

// Run creates, starts, and waits on a single-use container, piping
// promptText to the entrypoint's stdin and streaming its output as
// progress, matching AgentExecutor's contract so runtime.go can dispatch
// to either interchangeably.
func (d *DockerExecutor) Run(ctx context.Context, promptText string, onProgress ProgressFunc) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	networkMode := container.NetworkMode("none")
	if d.cfg.Network != "" {
		networkMode = container.NetworkMode(d.cfg.Network)
	}

	resources := container.Resources{}
	if d.cfg.MemoryMB > 0 {
		resources.Memory = d.cfg.MemoryMB * 1024 * 1024
	}

	resp, err := d.cli.ContainerCreate(runCtx, &container.Config{
		Image:        d.cfg.Image,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
		Tty:          false,
	}, &container.HostConfig{
		NetworkMode: networkMode,
		Resources:   resources,
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("container create: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	attach, err := d.cli.ContainerAttach(runCtx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("container attach: %w", err)
	}
	defer attach.Close()

	if err := d.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("container start: %w", err)
	}

	go func() {
		_, _ = io.Copy(attach.Conn, strings.NewReader(promptText))
		_ = attach.CloseWrite()
	}()

	var allLines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		outReader, outWriter := io.Pipe()
		go func() {
			defer outWriter.Close()
			_, _ = stdcopy.StdCopy(outWriter, outWriter, attach.Reader)
		}()
		scanner := bufio.NewScanner(outReader)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			allLines = append(allLines, line)
			if onProgress != nil {
				onProgress(line)
			}
		}
	}()

	statusCh, errCh := d.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	var timedOut, cancelled bool
	select {
	case err := <-errCh:
		if runCtx.Err() == context.DeadlineExceeded {
			timedOut = true
		} else if ctx.Err() != nil {
			cancelled = true
		} else if err != nil {
			return Result{}, fmt.Errorf("container wait: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}
	<-done

	output := strings.Join(allLines, "\n")
	lastLine := ""
	for i := len(allLines) - 1; i >= 0; i-- {
		if strings.TrimSpace(allLines[i]) != "" {
			lastLine = allLines[i]
			break
		}
	}

	if timedOut {
		return Result{Output: output, LastLine: lastLine, TimedOut: true}, fmt.Errorf("sandboxed agent run timed out after %s", runTimeout)
	}
	if cancelled {
		return Result{Output: output, LastLine: lastLine, Cancelled: true}, ctx.Err()
	}

	return Result{
		Output:    output,
		ExitCode:  int(exitCode),
		Succeeded: exitCode == 0 && strings.TrimSpace(output) != "",
		LastLine:  lastLine,
	}, nil
}
