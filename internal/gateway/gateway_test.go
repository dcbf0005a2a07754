package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/coretask/boardqueue/internal/automation"
	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/gateway"
	"github.com/coretask/boardqueue/internal/registry"
	"github.com/coretask/boardqueue/internal/store"
	"github.com/coretask/boardqueue/internal/tasksvc"
)

const testToken = "test-token"
const testUser = "alice"

func newTestServer(t *testing.T) (*gateway.Server, *store.Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "board.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	engine := automation.New(st, b, nil)
	tasks := tasksvc.New(st, b, engine, nil)
	reg := registry.New(st, b, tasks, nil)

	srv := gateway.NewServer(gateway.Config{
		Store:      st,
		Bus:        b,
		Registry:   reg,
		Tasks:      tasks,
		Automation: engine,
		AuthTokens: []config.AuthToken{{Token: testToken, UserID: testUser}},
		CORS:       config.CORSConfig{},
		RateLimit:  config.RateLimitConfig{},
	})
	return srv, st, b
}

func doJSON(t *testing.T, srv *gateway.Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestGateway_RejectsMissingBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/tasks", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGateway_RejectsInvalidBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/tasks", nil, "wrong-token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestGateway_HealthzSkipsAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGateway_WorkerRegisterAndHeartbeat(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/workers/register", map[string]any{
		"hostname":            "runner-1",
		"version":             "1.0.0",
		"capabilities":        []string{"agent_run"},
		"max_concurrent_tasks": 2,
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var worker store.Worker
	if err := json.Unmarshal(rec.Body.Bytes(), &worker); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	if worker.ID == "" {
		t.Fatal("expected non-empty worker id")
	}

	hbRec := doJSON(t, srv, http.MethodPost, "/workers/heartbeat", map[string]any{
		"worker_id":        worker.ID,
		"running_task_ids": []string{},
	}, testToken)
	if hbRec.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d: %s", hbRec.Code, hbRec.Body.String())
	}
}

func TestGateway_WorkerHeartbeat_ForbiddenForOtherUsersWorker(t *testing.T) {
	srv, st, _ := newTestServer(t)
	worker, _, err := st.UpsertWorker(context.Background(), "bob", "runner-2", "1.0.0", nil, 1)
	if err != nil {
		t.Fatalf("register worker directly: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/workers/heartbeat", map[string]any{
		"worker_id": worker.ID,
	}, testToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGateway_TaskLifecycle_CreateClaimCompleteList(t *testing.T) {
	srv, _, _ := newTestServer(t)

	regRec := doJSON(t, srv, http.MethodPost, "/workers/register", map[string]any{
		"hostname": "runner-1", "version": "1.0.0", "max_concurrent_tasks": 1,
	}, testToken)
	var worker store.Worker
	_ = json.Unmarshal(regRec.Body.Bytes(), &worker)

	createRec := doJSON(t, srv, http.MethodPost, "/tasks", map[string]any{
		"type":       "agent_run",
		"board_id":   "board-1",
		"prompt_text": "do the thing",
	}, testToken)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var task store.Task
	_ = json.Unmarshal(createRec.Body.Bytes(), &task)

	claimReq := httptest.NewRequest(http.MethodPost, "/workers/tasks/"+task.ID+"/claim", nil)
	claimReq.Header.Set("Authorization", "Bearer "+testToken)
	claimReq.Header.Set("X-Worker-Id", worker.ID)
	claimRec := httptest.NewRecorder()
	srv.ServeHTTP(claimRec, claimReq)
	if claimRec.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", claimRec.Code, claimRec.Body.String())
	}

	completeReq := httptest.NewRequest(http.MethodPost, "/workers/tasks/"+task.ID+"/complete", bytes.NewReader([]byte(`{"output_text":"done"}`)))
	completeReq.Header.Set("Authorization", "Bearer "+testToken)
	completeReq.Header.Set("X-Worker-Id", worker.ID)
	completeRec := httptest.NewRecorder()
	srv.ServeHTTP(completeRec, completeReq)
	if completeRec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", completeRec.Code, completeRec.Body.String())
	}

	listRec := doJSON(t, srv, http.MethodGet, "/tasks?board_id=board-1", nil, testToken)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", listRec.Code)
	}
	var tasks []store.Task
	_ = json.Unmarshal(listRec.Body.Bytes(), &tasks)
	if len(tasks) != 1 || tasks[0].Status != store.TaskCompleted {
		t.Fatalf("expected one completed task, got %+v", tasks)
	}

	eventsRec := doJSON(t, srv, http.MethodGet, "/tasks/"+task.ID+"/events", nil, testToken)
	if eventsRec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", eventsRec.Code)
	}
}

func TestGateway_TaskCancel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createRec := doJSON(t, srv, http.MethodPost, "/tasks", map[string]any{
		"type": "agent_run", "board_id": "board-1", "prompt_text": "x",
	}, testToken)
	var task store.Task
	_ = json.Unmarshal(createRec.Body.Bytes(), &task)

	rec := doJSON(t, srv, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil, testToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGateway_CardMoveTriggersAutomation(t *testing.T) {
	srv, st, b := newTestServer(t)

	todo, err := st.CreateColumn(context.Background(), store.Column{BoardID: "board-1", Name: "todo"})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	doing, err := st.CreateColumn(context.Background(), store.Column{
		BoardID: "board-1", Name: "doing", AutoRun: true, AgentType: "agent_run",
		PromptTemplate: "work on {{.Title}}", MaxLoopCount: 3,
	})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	card, err := st.CreateCard(context.Background(), store.Card{BoardID: "board-1", ColumnID: todo.ID, Title: "fix bug"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	sub := b.Subscribe(bus.BoardTopic("board-1"))
	defer b.Unsubscribe(sub)

	rec := doJSON(t, srv, http.MethodPost, "/cards/"+card.ID+"/move", map[string]any{
		"column_id":        doing.ID,
		"expected_version": card.Version,
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	tasks, err := st.ListTasks(context.Background(), store.TaskFilter{BoardID: "board-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected automation to create one task, got %d", len(tasks))
	}
}
