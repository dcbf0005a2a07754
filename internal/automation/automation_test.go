package automation_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coretask/boardqueue/internal/automation"
	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEngine_MaybeTriggerOnMove_NonAutoRunColumnDoesNothing(t *testing.T) {
	st := openTestStore(t)
	e := automation.New(st, bus.New(), nil)
	ctx := context.Background()

	col, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Backlog", AutoRun: false})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: col.ID, Title: "T"})

	task, err := e.MaybeTriggerOnMove(ctx, card, col, "user-1")
	if err != nil {
		t.Fatalf("maybe trigger: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task for non-auto_run column, got %+v", task)
	}
}

func TestEngine_MaybeTriggerOnMove_CreatesTaskWithRenderedPrompt(t *testing.T) {
	st := openTestStore(t)
	e := automation.New(st, bus.New(), nil)
	ctx := context.Background()

	col, _ := st.CreateColumn(ctx, store.Column{
		BoardID: "b1", Name: "Plan", AutoRun: true, AgentType: "architect",
		PromptTemplate: "Design for {card_title}: {card_description}", MaxLoopCount: 3,
		OnSuccessColumnID: "done-col",
	})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: col.ID, Title: "Design login", Description: "OAuth2"})

	task, err := e.MaybeTriggerOnMove(ctx, card, col, "user-1")
	if err != nil {
		t.Fatalf("maybe trigger: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task to be created")
	}
	if !strings.Contains(task.PromptText, "Design login") || !strings.Contains(task.PromptText, "OAuth2") {
		t.Fatalf("expected rendered prompt to contain card fields, got %q", task.PromptText)
	}
	if task.TargetColumnID != "done-col" {
		t.Fatalf("expected target column carried onto task, got %q", task.TargetColumnID)
	}

	gotCard, err := st.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if gotCard.AgentStatus != store.AgentStatusPending {
		t.Fatalf("expected card agent_status=pending, got %s", gotCard.AgentStatus)
	}
}

func TestEngine_MaybeTriggerOnMove_DefaultTemplateWhenEmpty(t *testing.T) {
	st := openTestStore(t)
	e := automation.New(st, bus.New(), nil)
	ctx := context.Background()

	col, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Review", AutoRun: true, AgentType: "reviewer", MaxLoopCount: 1})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: col.ID, Title: "X"})

	task, err := e.MaybeTriggerOnMove(ctx, card, col, "user-1")
	if err != nil {
		t.Fatalf("maybe trigger: %v", err)
	}
	if !strings.Contains(task.PromptText, "APPROVED or REJECTED") {
		t.Fatalf("expected default template to be used, got %q", task.PromptText)
	}
}

func TestEngine_MaybeTriggerOnMove_LoopBoundUnlocksCard(t *testing.T) {
	st := openTestStore(t)
	e := automation.New(st, bus.New(), nil)
	ctx := context.Background()

	col, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Code", AutoRun: true, AgentType: "coder", MaxLoopCount: 1})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: col.ID, Title: "X"})

	// Simulate one prior terminal run on this (card, column) pair.
	spec := store.TaskSpec{Type: store.TaskAgentRun, CardID: card.ID, SourceColumnID: col.ID}
	prior, _ := st.CreateTask(ctx, spec)
	claimed, _ := st.ClaimTask(ctx, prior.ID, "w1")
	running, _ := st.Transition(ctx, claimed.ID, store.TaskClaimed, store.TaskRunning, "start", store.TransitionFields{SetStartedAt: true})
	if _, err := st.Transition(ctx, running.ID, store.TaskRunning, store.TaskCompleted, "done", store.TransitionFields{SetCompletedAt: true}); err != nil {
		t.Fatalf("complete prior task: %v", err)
	}

	task, err := e.MaybeTriggerOnMove(ctx, card, col, "user-1")
	if err != nil {
		t.Fatalf("maybe trigger: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task once loop_count(%d) >= max_loop_count(%d)", 1, col.MaxLoopCount)
	}

	gotCard, _ := st.GetCard(ctx, card.ID)
	if gotCard.AgentStatus != store.AgentStatusNone {
		t.Fatalf("expected card unlocked (agent_status=''), got %q", gotCard.AgentStatus)
	}
}

func TestEngine_OnTerminal_MovesCardOnSuccess(t *testing.T) {
	st := openTestStore(t)
	e := automation.New(st, bus.New(), nil)
	ctx := context.Background()

	source, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Plan"})
	dest, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Done"})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: source.ID, Title: "X"})

	task, _ := st.CreateTask(ctx, store.TaskSpec{
		Type: store.TaskAgentRun, BoardID: "b1", CardID: card.ID,
		SourceColumnID: source.ID, TargetColumnID: dest.ID,
	})

	if err := e.OnTerminal(ctx, task, automation.OutcomeSuccess); err != nil {
		t.Fatalf("on terminal: %v", err)
	}

	got, err := st.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.ColumnID != dest.ID {
		t.Fatalf("expected card moved to dest column, got %q", got.ColumnID)
	}
}

func TestEngine_OnTerminal_SkipsRoutingOnOutOfBandMove(t *testing.T) {
	st := openTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.BoardTopic("b1"))
	e := automation.New(st, b, nil)
	ctx := context.Background()

	source, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Code"})
	dest, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Done"})
	elsewhere, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Elsewhere"})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: source.ID, Title: "X"})

	task, _ := st.CreateTask(ctx, store.TaskSpec{
		Type: store.TaskAgentRun, BoardID: "b1", CardID: card.ID,
		SourceColumnID: source.ID, TargetColumnID: dest.ID,
	})

	// Human moves the card out-of-band while the task is still running.
	if _, err := st.MoveCard(ctx, card.ID, elsewhere.ID, card.Version); err != nil {
		t.Fatalf("move card: %v", err)
	}

	if err := e.OnTerminal(ctx, task, automation.OutcomeSuccess); err != nil {
		t.Fatalf("on terminal: %v", err)
	}

	got, err := st.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.ColumnID != elsewhere.ID {
		t.Fatalf("expected card to remain where the human put it, got %q", got.ColumnID)
	}

	select {
	case <-sub.Ch():
		events := sub.Drain()
		if len(events) != 1 || events[0].Type != bus.TopicTaskRoutingSkipped {
			t.Fatalf("expected a single task_routing_skipped event, got %+v", events)
		}
	default:
		t.Fatal("expected task_routing_skipped to be published")
	}
}

func TestEngine_OnTerminal_FailureNeverAutoTriggersOnDestination(t *testing.T) {
	st := openTestStore(t)
	e := automation.New(st, bus.New(), nil)
	ctx := context.Background()

	source, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Review"})
	failureDest, _ := st.CreateColumn(ctx, store.Column{BoardID: "b1", Name: "Code", AutoRun: true, AgentType: "coder", MaxLoopCount: 3})
	card, _ := st.CreateCard(ctx, store.Card{BoardID: "b1", ColumnID: source.ID, Title: "X"})

	task, _ := st.CreateTask(ctx, store.TaskSpec{
		Type: store.TaskAgentRun, BoardID: "b1", CardID: card.ID,
		SourceColumnID: source.ID, FailureColumnID: failureDest.ID,
	})

	if err := e.OnTerminal(ctx, task, automation.OutcomeFailure); err != nil {
		t.Fatalf("on terminal: %v", err)
	}

	got, err := st.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.ColumnID != failureDest.ID {
		t.Fatalf("expected card moved to failure destination, got %q", got.ColumnID)
	}
	// The circuit breaker means no second task gets auto-created even though
	// failureDest.AutoRun is true.
	tasks, err := st.ListTasks(ctx, store.TaskFilter{CardID: card.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected no new task to be auto-triggered on the failure destination, got %d tasks", len(tasks))
	}
}

func TestIsRejection(t *testing.T) {
	cases := map[string]bool{
		"REJECTED: missing tests":   true,
		"Review result: REJECTED":   true,
		"failed to converge":        true,
		"All good, APPROVED":        false,
		"Use OIDC+PKCE":             false,
		"FAILED\nmore detail below": true,
	}
	for input, want := range cases {
		if got := automation.IsRejection(input); got != want {
			t.Errorf("IsRejection(%q) = %v, want %v", input, got, want)
		}
	}
}
