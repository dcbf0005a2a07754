// Package registry tracks worker liveness: registration, heartbeat
// ingestion, and the online -> stale -> offline classification sweep.
// Status transitions are driven entirely by heartbeat age, never by the
// worker's own say-so, so a worker that hangs mid-task is still reaped.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/store"
)

const (
	// StaleAfter is the heartbeat age at which an online worker is
	// reclassified stale. The transition fires at exactly this age
	// (age >= StaleAfter), not strictly past it.
	StaleAfter = 90 * time.Second
	// OfflineAfter is the heartbeat age at which a stale worker is
	// reclassified offline, and its held tasks are failed out. Same
	// boundary rule as StaleAfter: age >= OfflineAfter fires the transition.
	OfflineAfter = 300 * time.Second
)

// Router is the subset of the task-dispatch surface the sweeper needs to
// fail out tasks held by a worker that has gone offline and run failure
// routing for each.
type Router interface {
	FailHeldTask(ctx context.Context, taskID, errorSummary string) error
}

// Registry wraps the store's worker operations with event publication and
// the liveness sweep.
type Registry struct {
	store  *store.Store
	bus    *bus.Bus
	router Router
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock overrides the time source; used by tests asserting the exact
// 90s/300s sweep boundaries.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a Registry.
func New(st *store.Store, eventBus *bus.Bus, router Router, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: st, bus: eventBus, router: router, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a worker by user_id and publishes worker_online on the
// first transition from a non-online status.
func (r *Registry) Register(ctx context.Context, userID, hostname, version string, caps []store.Capability, maxConcurrent int) (store.Worker, error) {
	w, wasOffline, err := r.store.UpsertWorker(ctx, userID, hostname, version, caps, maxConcurrent)
	if err != nil {
		return store.Worker{}, fmt.Errorf("register worker: %w", err)
	}
	if wasOffline {
		r.bus.Publish(bus.UserTopic(w.UserID), bus.TopicWorkerOnline, w)
		r.logger.Info("worker online", "worker_id", w.ID, "hostname", w.Hostname)
	}
	return w, nil
}

// HeartbeatResult carries the directives returned to the worker alongside
// the heartbeat acknowledgement.
type HeartbeatResult struct {
	Worker        store.Worker
	CancelTaskIDs []string
}

// Heartbeat records liveness and computes which of the worker's reported
// running tasks the server has since marked cancelled.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, runningTaskIDs []string) (HeartbeatResult, error) {
	w, err := r.store.Heartbeat(ctx, workerID)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("heartbeat: %w", err)
	}

	var cancelled []string
	for _, taskID := range runningTaskIDs {
		task, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if task.Status == store.TaskCancelled {
			cancelled = append(cancelled, taskID)
		}
	}
	return HeartbeatResult{Worker: w, CancelTaskIDs: cancelled}, nil
}

// SweepOnce classifies every online/stale worker by heartbeat age and, for
// workers newly found offline, fails out every task they hold.
func (r *Registry) SweepOnce(ctx context.Context) error {
	now := r.now()

	online, err := r.store.ListWorkersByStatus(ctx, store.WorkerOnline)
	if err != nil {
		return fmt.Errorf("list online workers: %w", err)
	}
	for _, w := range online {
		if store.WorkerHeartbeatAge(w, now) < StaleAfter {
			continue
		}
		applied, err := r.store.TransitionWorkerStatus(ctx, w.ID, store.WorkerOnline, store.WorkerStale)
		if err != nil {
			r.logger.Error("transition worker to stale failed", "worker_id", w.ID, "error", err)
			continue
		}
		if applied {
			r.bus.Publish(bus.UserTopic(w.UserID), bus.TopicWorkerStale, w)
			r.logger.Info("worker stale", "worker_id", w.ID, "heartbeat_age", store.WorkerHeartbeatAge(w, now))
		}
	}

	stale, err := r.store.ListWorkersByStatus(ctx, store.WorkerStale)
	if err != nil {
		return fmt.Errorf("list stale workers: %w", err)
	}
	for _, w := range stale {
		if store.WorkerHeartbeatAge(w, now) < OfflineAfter {
			continue
		}
		applied, err := r.store.TransitionWorkerStatus(ctx, w.ID, store.WorkerStale, store.WorkerOffline)
		if err != nil {
			r.logger.Error("transition worker to offline failed", "worker_id", w.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		r.bus.Publish(bus.UserTopic(w.UserID), bus.TopicWorkerOffline, w)
		r.logger.Info("worker offline", "worker_id", w.ID, "heartbeat_age", store.WorkerHeartbeatAge(w, now))

		if err := r.failHeldTasks(ctx, w); err != nil {
			r.logger.Error("failing tasks held by offline worker", "worker_id", w.ID, "error", err)
		}
	}
	return nil
}

func (r *Registry) failHeldTasks(ctx context.Context, w store.Worker) error {
	held, err := r.store.TasksHeldByWorker(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("list tasks held by %s: %w", w.ID, err)
	}
	for _, task := range held {
		if err := r.router.FailHeldTask(ctx, task.ID, "worker offline"); err != nil {
			r.logger.Error("fail held task", "task_id", task.ID, "worker_id", w.ID, "error", err)
		}
	}
	return nil
}
