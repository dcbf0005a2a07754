// Package automation implements the board's declarative automation rules:
// moving a card into an auto_run column creates a task, and a task's
// terminal transition routes the card onward to a success or failure
// column, potentially re-triggering another task. Loop bounds and a
// failure-destination circuit breaker keep the resulting chain from
// running forever.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/store"
)

// Outcome is the terminal result of a task, as seen by the routing step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// defaultPromptTemplate is used when a column declares auto_run but leaves
// prompt_template empty.
const defaultPromptTemplate = "You are a {agent_type} agent. Card: {card_title}\n\n{card_description}\n\nPrevious output:\n{last_agent_output}\n\nPerform your role; if reviewing, state APPROVED or REJECTED."

// rejectionPattern reinterprets agent output starting with REJECTED/FAILED
// as a failure even though the worker called complete. Matching is
// case-insensitive and tolerates a leading token before the keyword (e.g.
// "Review result: REJECTED") as long as it appears on the first line.
var rejectionPattern = regexp.MustCompile(`(?i)\b(REJECTED|FAILED)\b`)

// IsRejection reports whether a completion's output text should be
// reinterpreted as a failure, per the first line only.
func IsRejection(outputText string) bool {
	firstLine, _, _ := strings.Cut(outputText, "\n")
	return rejectionPattern.MatchString(firstLine)
}

// Engine implements maybeTriggerOnMove and onTerminal.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	boardName func(boardID string) string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBoardNameResolver supplies the {board_name} template variable; when
// omitted, board_id is used verbatim since boards are not owned by this
// package.
func WithBoardNameResolver(f func(boardID string) string) Option {
	return func(e *Engine) { e.boardName = f }
}

// New builds an Engine.
func New(st *store.Store, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: st, bus: eventBus, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.boardName == nil {
		e.boardName = func(boardID string) string { return boardID }
	}
	return e
}

// MaybeTriggerOnMove inspects a card's destination column and, if it is an
// auto_run column within its loop bound, creates a task for it. Returns
// (nil, nil) when nothing was triggered.
func (e *Engine) MaybeTriggerOnMove(ctx context.Context, card store.Card, column store.Column, actor string) (*store.Task, error) {
	if !column.AutoRun || column.AgentType == "" {
		return nil, nil
	}

	loopCount, err := e.store.CountTerminalTasksForCardColumn(ctx, card.ID, column.ID)
	if err != nil {
		return nil, fmt.Errorf("count terminal tasks: %w", err)
	}
	if loopCount >= column.MaxLoopCount {
		if err := e.store.SetCardAgentStatus(ctx, card.ID, store.AgentStatusNone); err != nil {
			return nil, fmt.Errorf("unlock card after loop bound: %w", err)
		}
		e.logger.Info("loop bound reached, not auto-triggering", "card_id", card.ID, "column_id", column.ID, "loop_count", loopCount, "max_loop_count", column.MaxLoopCount)
		return nil, nil
	}

	prompt, err := e.renderPrompt(ctx, card, column)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	assignedTo := card.AssigneeID
	if assignedTo == "" {
		assignedTo = actor
	}

	task, err := e.store.CreateTask(ctx, store.TaskSpec{
		Type:            store.TaskAgentRun,
		BoardID:         card.BoardID,
		CardID:          card.ID,
		CreatedBy:       actor,
		AssignedTo:      assignedTo,
		AgentType:       column.AgentType,
		PromptText:      prompt,
		SourceColumnID:  column.ID,
		TargetColumnID:  column.OnSuccessColumnID,
		FailureColumnID: column.OnFailureColumnID,
		LoopCount:       loopCount,
		MaxLoopCount:    column.MaxLoopCount,
	})
	if err != nil {
		return nil, fmt.Errorf("create triggered task: %w", err)
	}

	if err := e.store.SetCardAgentStatus(ctx, card.ID, store.AgentStatusPending); err != nil {
		return nil, fmt.Errorf("set card agent_status pending: %w", err)
	}

	e.bus.Publish(bus.BoardTopic(card.BoardID), bus.TopicTaskCreated, task)
	return &task, nil
}

// OnTerminal routes a card after one of its tasks reaches a terminal
// status. It is a no-op (publishing task_routing_skipped) if the card has
// moved out from under the task since it was created.
func (e *Engine) OnTerminal(ctx context.Context, task store.Task, outcome Outcome) error {
	card, err := e.store.GetCard(ctx, task.CardID)
	if err != nil {
		return fmt.Errorf("get card for routing: %w", err)
	}

	if card.ColumnID != task.SourceColumnID {
		e.bus.Publish(bus.BoardTopic(task.BoardID), bus.TopicTaskRoutingSkipped, map[string]any{
			"task_id":         task.ID,
			"card_id":         card.ID,
			"expected_column": task.SourceColumnID,
			"actual_column":   card.ColumnID,
		})
		e.logger.Info("routing skipped: card moved out-of-band", "task_id", task.ID, "card_id", card.ID)
		return nil
	}

	target := task.TargetColumnID
	if outcome == OutcomeFailure {
		target = task.FailureColumnID
	}
	if target == "" {
		return nil
	}

	moved, err := e.store.MoveCard(ctx, card.ID, target, card.Version)
	if err != nil {
		return fmt.Errorf("move card to routing target: %w", err)
	}
	e.bus.Publish(bus.BoardTopic(moved.BoardID), bus.TopicCardMoved, moved)

	if outcome == OutcomeFailure {
		// Circuit breaker: never auto-trigger on the failure destination.
		return nil
	}

	destColumn, err := e.store.GetColumn(ctx, target)
	if err != nil {
		return fmt.Errorf("get destination column: %w", err)
	}
	if !destColumn.AutoRun {
		return nil
	}
	if _, err := e.MaybeTriggerOnMove(ctx, moved, destColumn, task.AssignedTo); err != nil {
		return fmt.Errorf("recurse into destination column: %w", err)
	}
	return nil
}

func (e *Engine) renderPrompt(ctx context.Context, card store.Card, column store.Column) (string, error) {
	template := column.PromptTemplate
	if template == "" {
		template = defaultPromptTemplate
	}

	comments, err := e.store.ListCommentsByCard(ctx, card.ID)
	if err != nil {
		return "", fmt.Errorf("list comments for prompt: %w", err)
	}

	var allComments strings.Builder
	var lastAgentOutput string
	for _, c := range comments {
		fmt.Fprintf(&allComments, "[%s] %s\n", c.CreatedAt.Format(time.RFC3339), c.Content)
		if c.IsAgentOutput {
			lastAgentOutput = c.Content
		}
	}

	vars := map[string]string{
		"{card_title}":        card.Title,
		"{card_description}":  card.Description,
		"{card_labels}":       strings.Join(card.Labels, ","),
		"{card_priority}":     strconv.Itoa(card.Priority),
		"{card_comments}":     strings.TrimRight(allComments.String(), "\n"),
		"{last_agent_output}": lastAgentOutput,
		"{column_name}":       column.Name,
		"{board_name}":        e.boardName(card.BoardID),
		"{agent_type}":        column.AgentType,
	}
	return substituteTemplate(template, vars), nil
}

// ResolveWorkerHostname fills in the one template variable that cannot be
// known until claim time, since no worker is assigned when the prompt is
// first rendered in MaybeTriggerOnMove.
func ResolveWorkerHostname(promptText, hostname string) string {
	return strings.ReplaceAll(promptText, "{worker_hostname}", hostname)
}

// substituteTemplate replaces every known {variable} occurrence; unknown
// variables are left literal.
func substituteTemplate(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}
