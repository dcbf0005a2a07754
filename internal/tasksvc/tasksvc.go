package tasksvc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coretask/boardqueue/internal/automation"
	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/store"
)

// Router is the subset of the automation engine the service needs to route
// a card after one of its tasks reaches a terminal state.
type Router interface {
	OnTerminal(ctx context.Context, task store.Task, outcome automation.Outcome) error
}

// Service implements the task lifecycle operations described in the
// worker protocol: create, list, cancel, claim, progress, complete, fail.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	router Router
	logger *slog.Logger
}

// New builds a Service.
func New(st *store.Store, eventBus *bus.Bus, router Router, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: eventBus, router: router, logger: logger}
}

// Create validates an integration task's payload, inserts a new pending
// task, and publishes task_created. A payload that fails JSON Schema
// validation is rejected before it ever reaches the store.
func (s *Service) Create(ctx context.Context, spec store.TaskSpec) (store.Task, error) {
	if err := ValidatePayload(spec.Type, spec.Payload); err != nil {
		return store.Task{}, err
	}
	task, err := s.store.CreateTask(ctx, spec)
	if err != nil {
		return store.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.bus.Publish(bus.BoardTopic(task.BoardID), bus.TopicTaskCreated, task)
	return task, nil
}

// ListEvents returns the append-only audit trail for a task (SPEC_FULL
// §3, §4.1), the read path behind the additive GET /tasks/{id}/events
// debug endpoint.
func (s *Service) ListEvents(ctx context.Context, taskID string) ([]store.TaskEvent, error) {
	events, err := s.store.ListTaskEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	return events, nil
}

// List returns tasks matching filter.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]store.Task, error) {
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Cancel transitions a task to cancelled from pending, claimed, or running.
func (s *Service) Cancel(ctx context.Context, taskID string) (store.Task, error) {
	task, err := s.store.CancelTask(ctx, taskID, "cancelled by user")
	if err != nil {
		return store.Task{}, fmt.Errorf("cancel task: %w", err)
	}
	s.bus.Publish(bus.BoardTopic(task.BoardID), bus.TopicTaskCancelled, task)
	return task, nil
}

// Claim delegates to the store's atomic claim and publishes task_claimed on
// success. The {worker_hostname} template variable cannot be resolved until
// a worker actually owns the task, so it is filled in here.
func (s *Service) Claim(ctx context.Context, taskID, workerID string) (store.Task, error) {
	task, err := s.store.ClaimTask(ctx, taskID, workerID)
	if err != nil {
		return store.Task{}, err
	}

	if strings.Contains(task.PromptText, "{worker_hostname}") {
		if worker, werr := s.store.GetWorker(ctx, workerID); werr == nil {
			resolved := automation.ResolveWorkerHostname(task.PromptText, worker.Hostname)
			if err := s.store.SetTaskPromptText(ctx, task.ID, resolved); err != nil {
				s.logger.Warn("resolve worker hostname in prompt failed", "task_id", task.ID, "error", err)
			} else {
				task.PromptText = resolved
			}
		} else {
			s.logger.Warn("look up worker for hostname resolution failed", "task_id", task.ID, "worker_id", workerID, "error", werr)
		}
	}

	s.bus.Publish(bus.BoardTopic(task.BoardID), bus.TopicTaskClaimed, task)
	return task, nil
}

// checkOwnership verifies workerID matches the task's claimed_by_worker.
func checkOwnership(task store.Task, workerID string) error {
	if task.ClaimedByWorker != workerID {
		return fmt.Errorf("%w: worker %s does not own task %s", ErrForbidden, workerID, task.ID)
	}
	return nil
}

// Progress is idempotent: if the task is still claimed, it transitions to
// running and sets started_at; a repeated call once already running is a
// no-op that still republishes task_progress.
func (s *Service) Progress(ctx context.Context, taskID, workerID, text string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := checkOwnership(task, workerID); err != nil {
		return store.Task{}, err
	}

	switch task.Status {
	case store.TaskClaimed:
		task, err = s.store.Transition(ctx, taskID, store.TaskClaimed, store.TaskRunning, "progress reported", store.TransitionFields{SetStartedAt: true})
		if err != nil {
			return store.Task{}, fmt.Errorf("transition to running: %w", err)
		}
		if err := s.store.SetCardAgentStatus(ctx, task.CardID, store.AgentStatusRunning); err != nil && task.CardID != "" {
			s.logger.Warn("set card agent_status running failed", "task_id", task.ID, "error", err)
		}
	case store.TaskRunning:
		// Already running; started_at stays untouched.
	default:
		return store.Task{}, fmt.Errorf("%w: cannot report progress on task in status %s", store.ErrConflict, task.Status)
	}

	s.bus.Publish(bus.BoardTopic(task.BoardID), bus.TopicTaskProgress, map[string]any{"task_id": task.ID, "text": text})
	return task, nil
}

// Complete transitions a task to completed, attaches the output as an
// agent comment, and hands off to the automation router for success
// routing. Output text whose first line matches REJECTED|FAILED is
// reinterpreted as a failure instead.
func (s *Service) Complete(ctx context.Context, taskID, workerID, outputText string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	// A cancel clears claimed_by_worker (§4.1), so this no-op check must
	// run before checkOwnership — otherwise a worker reporting in on its
	// own now-cancelled task would be rejected as forbidden instead of
	// accepted as a no-op (§5, §8).
	if task.Status == store.TaskCancelled {
		if err := s.attachOutputComment(ctx, &task, outputText); err != nil {
			return store.Task{}, err
		}
		return task, nil
	}

	if err := checkOwnership(task, workerID); err != nil {
		return store.Task{}, err
	}

	if automation.IsRejection(outputText) {
		return s.fail(ctx, task, outputText, firstLine(outputText))
	}

	return s.completeSuccessfully(ctx, task, outputText)
}

// Fail transitions a task to failed and runs failure routing.
func (s *Service) Fail(ctx context.Context, taskID, workerID, errorSummary, outputText string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	// Same ordering rationale as Complete: a cancelled task's
	// claimed_by_worker is already cleared, so this no-op check must run
	// before checkOwnership.
	if task.Status == store.TaskCancelled {
		if err := s.attachOutputComment(ctx, &task, outputText); err != nil {
			return store.Task{}, err
		}
		return task, nil
	}

	if err := checkOwnership(task, workerID); err != nil {
		return store.Task{}, err
	}

	return s.fail(ctx, task, outputText, errorSummary)
}

func (s *Service) completeSuccessfully(ctx context.Context, task store.Task, outputText string) (store.Task, error) {
	completed, err := s.store.Transition(ctx, task.ID, task.Status, store.TaskCompleted, "completed by worker", store.TransitionFields{SetCompletedAt: true})
	if err != nil {
		return store.Task{}, fmt.Errorf("transition to completed: %w", err)
	}

	if err := s.attachOutputComment(ctx, &completed, outputText); err != nil {
		return store.Task{}, err
	}
	if completed.CardID != "" {
		if err := s.store.SetCardAgentStatus(ctx, completed.CardID, store.AgentStatusCompleted); err != nil {
			s.logger.Warn("set card agent_status completed failed", "task_id", completed.ID, "error", err)
		}
	}

	s.bus.Publish(bus.BoardTopic(completed.BoardID), bus.TopicTaskCompleted, completed)

	if completed.CardID != "" && s.router != nil {
		if err := s.router.OnTerminal(ctx, completed, automation.OutcomeSuccess); err != nil {
			s.logRoutingFailure(completed, err)
		}
	}
	return completed, nil
}

// logRoutingFailure converts an automation routing error into a
// diagnostic event rather than rolling back the already-committed terminal
// transition: a completed or failed task must never be undone by a
// downstream routing failure.
func (s *Service) logRoutingFailure(task store.Task, routingErr error) {
	s.logger.Error("automation routing failed", "task_id", task.ID, "error", routingErr)
	s.bus.Publish(bus.BoardTopic(task.BoardID), bus.TopicTaskRoutingSkipped, map[string]any{
		"task_id": task.ID,
		"reason":  routingErr.Error(),
	})
}

func (s *Service) fail(ctx context.Context, task store.Task, outputText, errorSummary string) (store.Task, error) {
	summary := errorSummary
	failed, err := s.store.Transition(ctx, task.ID, task.Status, store.TaskFailed, "failed by worker", store.TransitionFields{
		SetCompletedAt: true,
		ErrorSummary:   &summary,
	})
	if err != nil {
		return store.Task{}, fmt.Errorf("transition to failed: %w", err)
	}

	if err := s.attachOutputComment(ctx, &failed, outputText); err != nil {
		return store.Task{}, err
	}
	if failed.CardID != "" {
		if err := s.store.SetCardAgentStatus(ctx, failed.CardID, store.AgentStatusFailed); err != nil {
			s.logger.Warn("set card agent_status failed failed", "task_id", failed.ID, "error", err)
		}
	}

	s.bus.Publish(bus.BoardTopic(failed.BoardID), bus.TopicTaskFailed, failed)

	if failed.CardID != "" && s.router != nil {
		if err := s.router.OnTerminal(ctx, failed, automation.OutcomeFailure); err != nil {
			s.logRoutingFailure(failed, err)
		}
	}
	return failed, nil
}

// FailHeldTask is the hook the worker-liveness sweeper uses to fail out
// tasks held by a worker that has gone offline, per the registry's Router
// interface. It skips ownership checks since the worker is no longer
// reachable to make the call itself.
func (s *Service) FailHeldTask(ctx context.Context, taskID, errorSummary string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = s.fail(ctx, task, "", errorSummary)
	return err
}

func (s *Service) attachOutputComment(ctx context.Context, task *store.Task, outputText string) error {
	if outputText == "" || task.CardID == "" {
		return nil
	}
	comment, err := s.store.CreateComment(ctx, store.Comment{
		CardID:        task.CardID,
		UserID:        task.AssignedTo,
		Content:       outputText,
		IsAgentOutput: true,
	})
	if err != nil {
		return fmt.Errorf("attach output comment: %w", err)
	}
	if err := s.store.SetTaskOutputComment(ctx, task.ID, comment.ID); err != nil {
		return fmt.Errorf("record output comment on task: %w", err)
	}
	task.OutputCommentID = comment.ID
	return nil
}

func firstLine(text string) string {
	for i, c := range text {
		if c == '\n' {
			return text[:i]
		}
	}
	return text
}
