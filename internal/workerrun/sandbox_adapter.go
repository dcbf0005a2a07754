package workerrun

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/workerrun/sandbox"
)

// Executor runs one agent_run prompt to completion, streaming progress via
// onProgress. AgentExecutor (bare subprocess) and the sandboxAdapter
// (docker container, via internal/workerrun/sandbox) both implement it so
// Runtime can dispatch to either uniformly.
type Executor interface {
	Run(ctx context.Context, promptText string, onProgress ProgressFunc) (ExecResult, error)
}

// sandboxAdapter wraps sandbox.DockerExecutor to satisfy Executor. It lives
// here, not in package sandbox, so sandbox never needs to import workerrun.
type sandboxAdapter struct {
	inner *sandbox.DockerExecutor
}

func newSandboxExecutor(cfg config.SandboxConfig, logger *slog.Logger) (Executor, error) {
	inner, err := sandbox.NewDockerExecutor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sandbox executor: %w", err)
	}
	return &sandboxAdapter{inner: inner}, nil
}

func (a *sandboxAdapter) Run(ctx context.Context, promptText string, onProgress ProgressFunc) (ExecResult, error) {
	result, err := a.inner.Run(ctx, promptText, sandbox.ProgressFunc(onProgress))
	return ExecResult{
		Output:    result.Output,
		ExitCode:  result.ExitCode,
		Succeeded: result.Succeeded,
		LastLine:  result.LastLine,
		TimedOut:  result.TimedOut,
		Cancelled: result.Cancelled,
	}, err
}
