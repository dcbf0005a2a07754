package workerrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/store"
)

// inflight tracks one executing task so the heartbeat loop can report it
// and the cancellation directive can reach its cancel func.
type inflight struct {
	task   store.Task
	cancel context.CancelFunc
}

// Runtime is the single-user worker daemon described in spec.md §4.8: it
// registers, heartbeats, polls, claims, and executes tasks against the
// agent CLI or the Jira/GitLab integration clients.
type Runtime struct {
	client       *Client
	cfg          config.WorkerConfig
	executor     Executor
	integrations IntegrationRunner
	logger       *slog.Logger

	mu       sync.Mutex
	worker   store.Worker
	running  map[string]*inflight
	shutdown bool

	onStatusChange func(Snapshot)
}

// Snapshot is the point-in-time worker state the statusui dashboard reads.
type Snapshot struct {
	Worker         store.Worker
	RunningTaskIDs []string
}

// NewRuntime builds a Runtime from worker config. When cfg.Sandbox.Enabled
// is set, agent_run tasks execute inside a docker container instead of a
// bare host subprocess; a failure to reach the docker daemon falls back to
// the bare-subprocess executor with a logged warning rather than refusing
// to start.
func NewRuntime(cfg config.WorkerConfig, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	var executor Executor = NewAgentExecutor(cfg.AgentCLIPath, logger)
	if cfg.Sandbox.Enabled {
		if sandboxExec, err := newSandboxExecutor(cfg.Sandbox, logger); err != nil {
			logger.Warn("sandbox executor unavailable, falling back to bare subprocess", "error", err)
		} else {
			executor = sandboxExec
		}
	}
	return &Runtime{
		client:   NewClient(cfg.ServerURL, cfg.AuthToken),
		cfg:      cfg,
		executor: executor,
		logger:   logger,
		running:  make(map[string]*inflight),
	}
}

// OnStatusChange registers a callback invoked after every heartbeat and
// claim/completion, used to drive the bubbletea status dashboard.
func (r *Runtime) OnStatusChange(fn func(Snapshot)) {
	r.onStatusChange = fn
}

// SetIntegrationRunner wires the Jira/GitLab dispatch target for
// non-agent_run task types.
func (r *Runtime) SetIntegrationRunner(ir IntegrationRunner) {
	r.integrations = ir
}

// Run bootstraps the worker (register), then runs the heartbeat and poll
// loops until ctx is cancelled (SIGINT/SIGTERM), at which point it cancels
// in-flight work, reports failures, and returns.
func (r *Runtime) Run(ctx context.Context) error {
	hostname, err := osHostname()
	if err != nil {
		hostname = "unknown-host"
	}
	worker, err := r.client.Register(ctx, hostname, runtimeVersion, []string{
		string(store.TaskAgentRun),
		string(store.TaskJiraImport),
		string(store.TaskGitLabLink),
	}, r.cfg.MaxConcurrentTasks)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.mu.Lock()
	r.worker = worker
	r.mu.Unlock()
	r.logger.Info("worker registered", "worker_id", worker.ID, "hostname", hostname)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); r.pollLoop(ctx) }()
	wg.Wait()

	r.shutdownInflight()
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatOnce(ctx)
		}
	}
}

func (r *Runtime) heartbeatOnce(ctx context.Context) {
	r.mu.Lock()
	workerID := r.worker.ID
	runningIDs := make([]string, 0, len(r.running))
	for id := range r.running {
		runningIDs = append(runningIDs, id)
	}
	r.mu.Unlock()

	result, err := r.client.Heartbeat(ctx, workerID, runningIDs)
	if err != nil {
		r.logger.Error("heartbeat failed", "error", err)
		return
	}

	r.mu.Lock()
	r.worker = result.Worker
	r.mu.Unlock()

	for _, taskID := range result.CancelTaskIDs {
		r.mu.Lock()
		task, ok := r.running[taskID]
		r.mu.Unlock()
		if ok {
			task.cancel()
		}
	}
	r.notifyStatus()
}

func (r *Runtime) pollLoop(ctx context.Context) {
	interval := r.cfg.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runtime) pollOnce(ctx context.Context) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	capacity := r.cfg.MaxConcurrentTasks - len(r.running)
	workerID := r.worker.ID
	r.mu.Unlock()
	if capacity <= 0 {
		return
	}

	tasks, err := r.client.Poll(ctx, workerID, capacity)
	if err != nil {
		r.logger.Error("poll failed", "error", err)
		return
	}

	for _, task := range tasks {
		claimed, err := r.client.Claim(ctx, task.ID, workerID)
		if err != nil {
			r.logger.Debug("claim skipped", "task_id", task.ID, "error", err)
			continue
		}
		r.startTask(ctx, claimed)
	}
}

func (r *Runtime) startTask(parentCtx context.Context, task store.Task) {
	taskCtx, cancel := context.WithCancel(parentCtx)
	r.mu.Lock()
	r.running[task.ID] = &inflight{task: task, cancel: cancel}
	r.mu.Unlock()
	r.notifyStatus()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, task.ID)
			r.mu.Unlock()
			cancel()
			r.notifyStatus()
		}()
		r.execute(taskCtx, task)
	}()
}

func (r *Runtime) execute(ctx context.Context, task store.Task) {
	workerID := r.currentWorkerID()

	switch task.Type {
	case store.TaskAgentRun:
		r.executeAgentRun(ctx, task, workerID)
	default:
		r.executeIntegration(ctx, task, workerID)
	}
}

func (r *Runtime) executeAgentRun(ctx context.Context, task store.Task, workerID string) {
	result, err := r.executor.Run(ctx, task.PromptText, func(text string) {
		if reportErr := r.client.Progress(context.Background(), task.ID, workerID, text); reportErr != nil {
			r.logger.Warn("progress report failed", "task_id", task.ID, "error", reportErr)
		}
	})

	if ctx.Err() != nil && result.Cancelled {
		// Cooperative cancellation: the server already marked this
		// cancelled via heartbeat directive; no report needed (spec §5).
		return
	}

	if err != nil || !result.Succeeded {
		summary := result.LastLine
		if err != nil && summary == "" {
			summary = err.Error()
		}
		if failErr := r.client.Fail(context.Background(), task.ID, workerID, summary, result.Output); failErr != nil {
			r.logger.Error("fail report failed", "task_id", task.ID, "error", failErr)
		}
		return
	}

	if completeErr := r.client.Complete(context.Background(), task.ID, workerID, result.Output); completeErr != nil {
		r.logger.Error("complete report failed", "task_id", task.ID, "error", completeErr)
	}
}

func (r *Runtime) currentWorkerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker.ID
}

// shutdownInflight implements spec.md §4.8 step 5: cancel every running
// execution and report failure with a fixed error_summary before exit.
func (r *Runtime) shutdownInflight() {
	r.mu.Lock()
	r.shutdown = true
	inflightCopy := make([]*inflight, 0, len(r.running))
	for _, t := range r.running {
		inflightCopy = append(inflightCopy, t)
	}
	workerID := r.worker.ID
	r.mu.Unlock()

	for _, t := range inflightCopy {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.client.Fail(ctx, t.task.ID, workerID, "worker shutdown", "")
		cancel()
	}
}

func (r *Runtime) notifyStatus() {
	if r.onStatusChange == nil {
		return
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	snap := Snapshot{Worker: r.worker, RunningTaskIDs: ids}
	r.mu.Unlock()
	r.onStatusChange(snap)
}

const runtimeVersion = "1.0.0"
