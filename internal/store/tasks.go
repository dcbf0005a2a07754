package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (Task, error) {
	task := Task{
		ID:              uuid.NewString(),
		Type:            spec.Type,
		Status:          TaskPending,
		Priority:        spec.Priority,
		BoardID:         spec.BoardID,
		CardID:          spec.CardID,
		CreatedBy:       spec.CreatedBy,
		AssignedTo:      spec.AssignedTo,
		AgentType:       spec.AgentType,
		AgentModel:      spec.AgentModel,
		PromptText:      spec.PromptText,
		Payload:         spec.Payload,
		SourceColumnID:  spec.SourceColumnID,
		TargetColumnID:  spec.TargetColumnID,
		FailureColumnID: spec.FailureColumnID,
		LoopCount:       spec.LoopCount,
		MaxLoopCount:    spec.MaxLoopCount,
		CreatedAt:       s.now().UTC(),
	}
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, type, status, priority, board_id, card_id, created_by, assigned_to,
				claimed_by_worker, agent_type, agent_model, prompt_text, payload,
				source_column_id, target_column_id, failure_column_id,
				loop_count, max_loop_count, error_summary, output_comment_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?);
		`, task.ID, string(task.Type), string(task.Status), task.Priority, task.BoardID, task.CardID,
			task.CreatedBy, task.AssignedTo, task.AgentType, task.AgentModel, task.PromptText, task.Payload,
			task.SourceColumnID, task.TargetColumnID, task.FailureColumnID, task.LoopCount, task.MaxLoopCount,
			task.CreatedAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, task.ID, "", TaskPending, "created"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func scanTaskRow(scan func(dest ...any) error) (Task, error) {
	var t Task
	var typ, status string
	err := scan(
		&t.ID, &typ, &status, &t.Priority, &t.BoardID, &t.CardID, &t.CreatedBy, &t.AssignedTo,
		&t.ClaimedByWorker, &t.AgentType, &t.AgentModel, &t.PromptText, &t.Payload,
		&t.SourceColumnID, &t.TargetColumnID, &t.FailureColumnID, &t.LoopCount, &t.MaxLoopCount,
		&t.ErrorSummary, &t.OutputCommentID, &t.CreatedAt, &t.ClaimedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.Type = TaskType(typ)
	t.Status = TaskStatus(status)
	return t, nil
}

const taskColumns = `
	id, type, status, priority, board_id, card_id, created_by, assigned_to,
	claimed_by_worker, agent_type, agent_model, prompt_text, payload,
	source_column_id, target_column_id, failure_column_id,
	loop_count, max_loop_count, error_summary, output_comment_id,
	created_at, claimed_at, started_at, completed_at
`

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTaskRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.BoardID != "" {
		q += ` AND board_id = ?`
		args = append(args, filter.BoardID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CardID != "" {
		q += ` AND card_id = ?`
		args = append(args, filter.CardID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTerminalTasksForCardColumn counts prior terminal agent_run tasks for
// a (card_id, column_id) pair, used by the automation engine to compute
// loop_count before a new task is created.
func (s *Store) CountTerminalTasksForCardColumn(ctx context.Context, cardID, columnID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE card_id = ? AND source_column_id = ?
		AND status IN (?, ?, ?);
	`, cardID, columnID, string(TaskCompleted), string(TaskFailed), string(TaskCancelled)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count terminal tasks: %w", err)
	}
	return n, nil
}

// ClaimTask atomically assigns a pending task to a worker. Implemented as a
// single conditional update keyed on (id, status == pending); zero rows
// affected means another worker already claimed it.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (Task, error) {
	var claimed Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by_worker = ?, claimed_at = ?
			WHERE id = ? AND status = ?;
		`, string(TaskClaimed), workerID, now, taskID, string(TaskPending))
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
		if err := appendTaskEventTx(ctx, tx, taskID, TaskPending, TaskClaimed, "claimed by "+workerID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
		claimed, err = scanTaskRow(row.Scan)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("reread claimed task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return claimed, nil
}

// TransitionFields carries the optional column updates that accompany a
// status transition. Zero value touches only the status column.
type TransitionFields struct {
	SetStartedAt       bool
	SetCompletedAt     bool
	ErrorSummary       *string
	OutputCommentID    *string
	ClearClaimedWorker bool
}

// Transition performs the guarded status change task.status: from -> to. It
// is the sole place the task state machine is enforced for direct
// (non-claim) transitions. Returns ErrConflict if the row is no longer in
// `from`, or if from->to is not a legal edge.
func (s *Store) Transition(ctx context.Context, taskID string, from, to TaskStatus, reason string, fields TransitionFields) (Task, error) {
	if !allowedTaskTransitions[from][to] {
		return Task{}, fmt.Errorf("%w: %s -> %s is not a legal transition", ErrConflict, from, to)
	}

	var updated Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now().UTC()
		setClauses := []string{"status = ?"}
		args := []any{string(to)}

		if fields.SetStartedAt {
			setClauses = append(setClauses, "started_at = ?")
			args = append(args, now)
		}
		if fields.SetCompletedAt {
			setClauses = append(setClauses, "completed_at = ?")
			args = append(args, now)
		}
		if fields.ErrorSummary != nil {
			setClauses = append(setClauses, "error_summary = ?")
			args = append(args, *fields.ErrorSummary)
		}
		if fields.OutputCommentID != nil {
			setClauses = append(setClauses, "output_comment_id = ?")
			args = append(args, *fields.OutputCommentID)
		}
		if fields.ClearClaimedWorker {
			setClauses = append(setClauses, "claimed_by_worker = ''")
		}

		q := "UPDATE tasks SET " + joinSet(setClauses) + " WHERE id = ? AND status = ?;"
		args = append(args, taskID, string(from))

		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("transition update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
		if err := appendTaskEventTx(ctx, tx, taskID, from, to, reason); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
		updated, err = scanTaskRow(row.Scan)
		if err != nil {
			return fmt.Errorf("reread transitioned task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

func joinSet(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

// CancelTask moves a task to cancelled from any pre-terminal state.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	switch task.Status {
	case TaskPending, TaskClaimed, TaskRunning:
		return s.Transition(ctx, taskID, task.Status, TaskCancelled, reason, TransitionFields{ClearClaimedWorker: true})
	default:
		return Task{}, fmt.Errorf("%w: cannot cancel task in status %s", ErrConflict, task.Status)
	}
}

// TasksHeldByWorker returns every task currently claimed/running under a
// worker, used by the sweeper when a worker goes offline.
func (s *Store) TasksHeldByWorker(ctx context.Context, workerID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE claimed_by_worker = ? AND status IN (?, ?);
	`, workerID, string(TaskClaimed), string(TaskRunning))
	if err != nil {
		return nil, fmt.Errorf("tasks held by worker: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan held task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskOutputComment records which comment carries a terminal task's
// output, once the comment has been created.
func (s *Store) SetTaskOutputComment(ctx context.Context, taskID, commentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET output_comment_id = ? WHERE id = ?;`, commentID, taskID)
	if err != nil {
		return fmt.Errorf("set task output comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskPromptText overwrites a task's prompt, used at claim time to fill
// in the {worker_hostname} variable once a worker is actually assigned.
func (s *Store) SetTaskPromptText(ctx context.Context, taskID, promptText string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET prompt_text = ? WHERE id = ?;`, promptText, taskID)
	if err != nil {
		return fmt.Errorf("set task prompt text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the audit trail for a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, reason, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var from string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &e.ToStatus, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.FromStatus = TaskStatus(from)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetLeaseExpiry stamps the point after which a claimed/running task is
// eligible for reaping if its worker never reports back.
func (s *Store) SetLeaseExpiry(ctx context.Context, taskID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET lease_expires_at = ? WHERE id = ?;`, expiresAt.UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set lease expiry: %w", err)
	}
	return nil
}

// ReaperSweepExpiredLeases finds claimed/running tasks whose lease expired
// without a clean worker-offline transition and requeues them to pending.
// This is a deliberate out-of-DAG maintenance path (SPEC_FULL §4.1): it goes
// straight back to pending via UPDATE rather than through Transition, and
// re-clears claimed_by_worker outside of a cancel, because the worker that
// held the lease may still be online and heartbeating normally — the
// registry sweeper in the registry package only reroutes tasks held by a
// worker it has itself marked offline, so a live worker that simply failed
// to renew one task's lease in time is caught here instead.
func (s *Store) ReaperSweepExpiredLeases(ctx context.Context) (int, error) {
	reclaimed := 0
	err := retryOnBusy(ctx, func() error {
		reclaimed = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reaper tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, status FROM tasks
			WHERE status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
		`, string(TaskClaimed), string(TaskRunning))
		if err != nil {
			return fmt.Errorf("query expired leases: %w", err)
		}
		type expired struct{ id, status string }
		var candidates []expired
		for rows.Next() {
			var c expired
			if err := rows.Scan(&c.id, &c.status); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()

		for _, c := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, claimed_by_worker = '', lease_expires_at = NULL
				WHERE id = ? AND status = ?;
			`, string(TaskPending), c.id, c.status)
			if err != nil {
				return fmt.Errorf("requeue expired lease: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				reclaimed++
				if err := appendTaskEventTx(ctx, tx, c.id, TaskStatus(c.status), TaskPending, "lease expired"); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
	return reclaimed, err
}
