// Package gateway implements the HTTP edge described in spec.md §4.6/§6:
// the worker protocol, the task query/cancel surface, and the long-lived
// event stream. Every handler maps service-layer sentinel errors onto the
// status codes in §7 and never leaks the underlying storage error.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coretask/boardqueue/internal/automation"
	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/registry"
	"github.com/coretask/boardqueue/internal/store"
	"github.com/coretask/boardqueue/internal/tasksvc"
)

// Config wires the server's dependencies and middleware settings.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Registry   *registry.Registry
	Tasks      *tasksvc.Service
	Automation *automation.Engine
	Logger     *slog.Logger

	AuthTokens []config.AuthToken
	CORS       config.CORSConfig
	RateLimit  config.RateLimitConfig

	StreamHeartbeat time.Duration
	AllowOrigins    []string
}

// Server is the HTTP handler for the worker protocol, task query surface,
// and event stream.
type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *AuthMiddleware
	cors   func(http.Handler) http.Handler
	rl     *RateLimitMiddleware

	mux *http.ServeMux
}

// NewServer builds the routed handler described in spec.md §6.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		auth:   NewAuthMiddleware(cfg.AuthTokens),
		cors:   NewCORSMiddleware(cfg.CORS),
		rl:     NewRateLimitMiddleware(cfg.RateLimit),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// StartBackgroundEviction begins the rate limiter's stale-bucket sweep.
func (s *Server) StartBackgroundEviction(ctx context.Context) {
	s.rl.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /workers/register", s.handleWorkerRegister)
	s.mux.HandleFunc("POST /workers/heartbeat", s.handleWorkerHeartbeat)
	s.mux.HandleFunc("GET /workers/tasks/poll", s.handleWorkerTasksPoll)
	s.mux.HandleFunc("POST /workers/tasks/{id}/claim", s.handleWorkerTaskClaim)
	s.mux.HandleFunc("POST /workers/tasks/{id}/progress", s.handleWorkerTaskProgress)
	s.mux.HandleFunc("POST /workers/tasks/{id}/complete", s.handleWorkerTaskComplete)
	s.mux.HandleFunc("POST /workers/tasks/{id}/fail", s.handleWorkerTaskFail)

	s.mux.HandleFunc("GET /tasks", s.handleTasksList)
	s.mux.HandleFunc("POST /tasks", s.handleTasksCreate)
	s.mux.HandleFunc("POST /tasks/{id}/cancel", s.handleTaskCancel)
	s.mux.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)

	s.mux.HandleFunc("GET /events/stream", s.handleEventStream)

	// Supplemental passthrough endpoints (SPEC_FULL §1): board/column/card
	// CRUD is an external BFF's responsibility, but the automation dataflow
	// (move card -> AutomationEngine.MaybeTriggerOnMove) needs a way to be
	// exercised through this module's own HTTP surface.
	s.mux.HandleFunc("POST /boards/{board_id}/columns", s.handleColumnCreate)
	s.mux.HandleFunc("POST /boards/{board_id}/cards", s.handleCardCreate)
	s.mux.HandleFunc("POST /cards/{id}/move", s.handleCardMove)
}

// ServeHTTP applies CORS, rate limiting, and auth around the router, in
// that order: CORS must run first so a rejected preflight still gets the
// right headers. Rate limiting runs before auth and only ever meters the
// worker poll endpoint (§4.6), keyed by worker ID rather than by caller
// credential. Order here matches the teacher's middleware chain shape.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cors(s.rl.Wrap(s.auth.Wrap(s.mux))).ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

// --- Worker protocol -------------------------------------------------

type registerRequest struct {
	Hostname          string   `json:"hostname"`
	Version           string   `json:"version"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentTask int      `json:"max_concurrent_tasks"`
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	userID := UserIDFromContext(r.Context())
	caps := make([]store.Capability, len(req.Capabilities))
	for i, c := range req.Capabilities {
		caps[i] = store.Capability(c)
	}
	worker, err := s.cfg.Registry.Register(r.Context(), userID, req.Hostname, req.Version, caps, req.MaxConcurrentTask)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type heartbeatRequest struct {
	WorkerID       string   `json:"worker_id"`
	RunningTaskIDs []string `json:"running_task_ids"`
	Load           float64  `json:"load"`
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.checkWorkerOwnership(r.Context(), req.WorkerID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	result, err := s.cfg.Registry.Heartbeat(r.Context(), req.WorkerID, req.RunningTaskIDs)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker":          result.Worker,
		"cancel_task_ids": result.CancelTaskIDs,
	})
}

func (s *Server) handleWorkerTasksPoll(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, s.logger, errBadRequest)
		return
	}
	if err := s.checkWorkerOwnership(r.Context(), workerID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	worker, err := s.cfg.Store.GetWorker(r.Context(), workerID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, parseErr := strconv.Atoi(raw); parseErr == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := s.cfg.Store.ListTasks(r.Context(), store.TaskFilter{Status: store.TaskPending})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out := make([]store.Task, 0, limit)
	for _, t := range tasks {
		if t.AssignedTo != "" && t.AssignedTo != worker.UserID {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// checkWorkerOwnership enforces spec.md §4.6: the authenticated user must
// own the worker the request names.
func (s *Server) checkWorkerOwnership(ctx context.Context, workerID string) error {
	worker, err := s.cfg.Store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.UserID != UserIDFromContext(ctx) {
		return tasksvc.ErrForbidden
	}
	return nil
}

func (s *Server) handleWorkerTaskClaim(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	workerID := r.Header.Get("X-Worker-Id")
	if workerID == "" {
		writeError(w, s.logger, errBadRequest)
		return
	}
	if err := s.checkWorkerOwnership(r.Context(), workerID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	task, err := s.cfg.Tasks.Claim(r.Context(), taskID, workerID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type progressRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleWorkerTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	workerID := r.Header.Get("X-Worker-Id")
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	task, err := s.cfg.Tasks.Progress(r.Context(), taskID, workerID, req.Text)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	OutputText string `json:"output_text"`
}

func (s *Server) handleWorkerTaskComplete(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	workerID := r.Header.Get("X-Worker-Id")
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	task, err := s.cfg.Tasks.Complete(r.Context(), taskID, workerID, req.OutputText)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type failRequest struct {
	ErrorSummary string `json:"error_summary"`
	OutputText   string `json:"output_text"`
}

func (s *Server) handleWorkerTaskFail(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	workerID := r.Header.Get("X-Worker-Id")
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	task, err := s.cfg.Tasks.Fail(r.Context(), taskID, workerID, req.ErrorSummary, req.OutputText)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Task query/create/cancel surface ----------------------------------

func (s *Server) handleTasksList(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		BoardID: r.URL.Query().Get("board_id"),
		Status:  store.TaskStatus(r.URL.Query().Get("status")),
		CardID:  r.URL.Query().Get("card_id"),
	}
	tasks, err := s.cfg.Tasks.List(r.Context(), filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	Type            string `json:"type"`
	BoardID         string `json:"board_id"`
	CardID          string `json:"card_id"`
	AssignedTo      string `json:"assigned_to"`
	Priority        int    `json:"priority"`
	AgentType       string `json:"agent_type"`
	AgentModel      string `json:"agent_model"`
	PromptText      string `json:"prompt_text"`
	Payload         string `json:"payload"`
	SourceColumnID  string `json:"source_column_id"`
	TargetColumnID  string `json:"target_column_id"`
	FailureColumnID string `json:"failure_column_id"`
	MaxLoopCount    int    `json:"max_loop_count"`
}

func (s *Server) handleTasksCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	task, err := s.cfg.Tasks.Create(r.Context(), store.TaskSpec{
		Type:            store.TaskType(req.Type),
		BoardID:         req.BoardID,
		CardID:          req.CardID,
		CreatedBy:       UserIDFromContext(r.Context()),
		AssignedTo:      req.AssignedTo,
		Priority:        req.Priority,
		AgentType:       req.AgentType,
		AgentModel:      req.AgentModel,
		PromptText:      req.PromptText,
		Payload:         req.Payload,
		SourceColumnID:  req.SourceColumnID,
		TargetColumnID:  req.TargetColumnID,
		FailureColumnID: req.FailureColumnID,
		MaxLoopCount:    req.MaxLoopCount,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Tasks.Cancel(r.Context(), taskID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	events, err := s.cfg.Tasks.ListEvents(r.Context(), taskID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Supplemental board passthrough endpoints --------------------------

type createColumnRequest struct {
	Name              string `json:"name"`
	AutoRun           bool   `json:"auto_run"`
	AgentType         string `json:"agent_type"`
	PromptTemplate    string `json:"prompt_template"`
	OnSuccessColumnID string `json:"on_success_column_id"`
	OnFailureColumnID string `json:"on_failure_column_id"`
	MaxLoopCount      int    `json:"max_loop_count"`
}

func (s *Server) handleColumnCreate(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("board_id")
	var req createColumnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	column, err := s.cfg.Store.CreateColumn(r.Context(), store.Column{
		BoardID:           boardID,
		Name:              req.Name,
		AutoRun:           req.AutoRun,
		AgentType:         req.AgentType,
		PromptTemplate:    req.PromptTemplate,
		OnSuccessColumnID: req.OnSuccessColumnID,
		OnFailureColumnID: req.OnFailureColumnID,
		MaxLoopCount:      req.MaxLoopCount,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, column)
}

type createCardRequest struct {
	ColumnID    string   `json:"column_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Priority    int      `json:"priority"`
	AssigneeID  string   `json:"assignee_id"`
}

func (s *Server) handleCardCreate(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("board_id")
	var req createCardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	card, err := s.cfg.Store.CreateCard(r.Context(), store.Card{
		BoardID:     boardID,
		ColumnID:    req.ColumnID,
		Title:       req.Title,
		Description: req.Description,
		Labels:      req.Labels,
		Priority:    req.Priority,
		AssigneeID:  req.AssigneeID,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.cfg.Bus.Publish(bus.BoardTopic(boardID), bus.TopicCardUpdated, card)
	writeJSON(w, http.StatusCreated, card)
}

type moveCardRequest struct {
	ColumnID        string `json:"column_id"`
	ExpectedVersion int    `json:"expected_version"`
}

// handleCardMove is the entry point that exercises
// AutomationEngine.MaybeTriggerOnMove end-to-end: a human (or the BFF on
// their behalf) moves a card, and if the destination column is auto_run
// this kicks off a task the same way onTerminal's routing recursion does.
func (s *Server) handleCardMove(w http.ResponseWriter, r *http.Request) {
	cardID := r.PathValue("id")
	var req moveCardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	moved, err := s.cfg.Store.MoveCard(r.Context(), cardID, req.ColumnID, req.ExpectedVersion)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.cfg.Bus.Publish(bus.BoardTopic(moved.BoardID), bus.TopicCardMoved, moved)

	column, err := s.cfg.Store.GetColumn(r.Context(), moved.ColumnID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if s.cfg.Automation != nil {
		actor := UserIDFromContext(r.Context())
		if _, err := s.cfg.Automation.MaybeTriggerOnMove(r.Context(), moved, column, actor); err != nil {
			s.logger.Error("automation trigger on move failed", "card_id", cardID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, moved)
}
