package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func joinCapabilities(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCapabilities(raw string) []Capability {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]Capability, len(parts))
	for i, p := range parts {
		out[i] = Capability(p)
	}
	return out
}

// UpsertWorker registers a worker, or updates it in place if one already
// exists for user_id (§3 invariant: at most one worker row per user_id).
// Returns the worker and whether this call transitioned it from a
// non-online status (used by the registry to decide whether to publish
// worker_online).
func (s *Store) UpsertWorker(ctx context.Context, userID, hostname, version string, caps []Capability, maxConcurrent int) (w Worker, wasOffline bool, err error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	err = retryOnBusy(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin upsert worker tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now().UTC()
		var existingID, existingStatus string
		scanErr := tx.QueryRowContext(ctx, `SELECT id, status FROM workers WHERE user_id = ?;`, userID).Scan(&existingID, &existingStatus)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			id := uuid.NewString()
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO workers (id, user_id, hostname, version, capabilities, status, last_heartbeat, registered_at, max_concurrent_tasks)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, id, userID, hostname, version, joinCapabilities(caps), string(WorkerOnline), now, now, maxConcurrent); execErr != nil {
				return fmt.Errorf("insert worker: %w", execErr)
			}
			w = Worker{
				ID: id, UserID: userID, Hostname: hostname, Version: version,
				Capabilities: caps, Status: WorkerOnline, LastHeartbeat: now,
				RegisteredAt: now, MaxConcurrentTask: maxConcurrent,
			}
			wasOffline = true
			return tx.Commit()
		case scanErr != nil:
			return fmt.Errorf("lookup worker: %w", scanErr)
		}

		wasOffline = existingStatus != string(WorkerOnline)
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE workers
			SET hostname = ?, version = ?, capabilities = ?, status = ?, last_heartbeat = ?, max_concurrent_tasks = ?
			WHERE id = ?;
		`, hostname, version, joinCapabilities(caps), string(WorkerOnline), now, maxConcurrent, existingID); execErr != nil {
			return fmt.Errorf("update worker: %w", execErr)
		}
		w, err = scanWorkerTx(ctx, tx, existingID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Worker{}, false, err
	}
	return w, wasOffline, nil
}

func scanWorkerTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (Worker, error) {
	var w Worker
	var caps string
	var status string
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, hostname, version, capabilities, status, last_heartbeat, registered_at, max_concurrent_tasks
		FROM workers WHERE id = ?;
	`, id)
	if err := row.Scan(&w.ID, &w.UserID, &w.Hostname, &w.Version, &caps, &status, &w.LastHeartbeat, &w.RegisteredAt, &w.MaxConcurrentTask); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Worker{}, ErrNotFound
		}
		return Worker{}, fmt.Errorf("scan worker: %w", err)
	}
	w.Capabilities = splitCapabilities(caps)
	w.Status = WorkerStatus(status)
	return w, nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (Worker, error) {
	return scanWorkerTx(ctx, s.db, id)
}

// Heartbeat updates last_heartbeat and restores status to online if the
// worker had gone stale (a heartbeat is proof of life regardless of
// classification). Returns the updated worker.
func (s *Store) Heartbeat(ctx context.Context, workerID string) (Worker, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, status = ?
		WHERE id = ? AND status != ?;
	`, now, string(WorkerOnline), workerID, string(WorkerOffline))
	if err != nil {
		return Worker{}, fmt.Errorf("heartbeat update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Worker might already be online; still bump the timestamp, or it's offline/missing.
		res2, err2 := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = ? WHERE id = ?;`, now, workerID)
		if err2 != nil {
			return Worker{}, fmt.Errorf("heartbeat timestamp update: %w", err2)
		}
		if n2, _ := res2.RowsAffected(); n2 == 0 {
			return Worker{}, ErrNotFound
		}
	}
	return s.GetWorker(ctx, workerID)
}

// ListWorkersByStatus returns every worker currently in the given status,
// used by the sweeper to find candidates for reclassification.
func (s *Store) ListWorkersByStatus(ctx context.Context, status WorkerStatus) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, hostname, version, capabilities, status, last_heartbeat, registered_at, max_concurrent_tasks
		FROM workers WHERE status = ?;
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var w Worker
		var caps, st string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Hostname, &w.Version, &caps, &st, &w.LastHeartbeat, &w.RegisteredAt, &w.MaxConcurrentTask); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		w.Capabilities = splitCapabilities(caps)
		w.Status = WorkerStatus(st)
		out = append(out, w)
	}
	return out, rows.Err()
}

// TransitionWorkerStatus moves a worker from one liveness status to
// another, guarded so a concurrent heartbeat can't be clobbered by a
// sweep pass that read stale data.
func (s *Store) TransitionWorkerStatus(ctx context.Context, workerID string, from, to WorkerStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE id = ? AND status = ?;
	`, string(to), workerID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition worker status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// WorkerHeartbeatAge is a convenience for the sweeper's age comparisons.
func WorkerHeartbeatAge(w Worker, now time.Time) time.Duration {
	return now.Sub(w.LastHeartbeat)
}
