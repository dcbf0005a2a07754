package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func joinLabels(labels []string) string { return strings.Join(labels, ",") }

func splitLabels(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func scanCardRow(scan func(dest ...any) error) (Card, error) {
	var c Card
	var labels, status string
	err := scan(&c.ID, &c.ColumnID, &c.BoardID, &c.Title, &c.Description, &labels, &c.Priority, &c.AssigneeID, &status, &c.Version)
	if err != nil {
		return Card{}, err
	}
	c.Labels = splitLabels(labels)
	c.AgentStatus = AgentStatus(status)
	return c, nil
}

const cardColumns = `id, column_id, board_id, title, description, labels, priority, assignee_id, agent_status, version`

// CreateCard inserts a new card at version 0.
func (s *Store) CreateCard(ctx context.Context, c Card) (Card, error) {
	c.ID = uuid.NewString()
	c.Version = 0
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, c.ID, c.ColumnID, c.BoardID, c.Title, c.Description, joinLabels(c.Labels), c.Priority, c.AssigneeID, string(c.AgentStatus), c.Version)
	if err != nil {
		return Card{}, fmt.Errorf("insert card: %w", err)
	}
	return c, nil
}

// GetCard fetches a card by id.
func (s *Store) GetCard(ctx context.Context, id string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?;`, id)
	c, err := scanCardRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, ErrNotFound
	}
	if err != nil {
		return Card{}, fmt.Errorf("scan card: %w", err)
	}
	return c, nil
}

// ListCardsByColumn returns every card in a column.
func (s *Store) ListCardsByColumn(ctx context.Context, columnID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE column_id = ?;`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list cards by column: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		c, err := scanCardRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan card row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MoveCard moves a card to a new column, guarded by the caller's observed
// version. Every move increments version, so a client that read the card
// before a concurrent out-of-band move naturally loses the race instead of
// clobbering it (resolves the optimistic-concurrency Open Question).
func (s *Store) MoveCard(ctx context.Context, cardID string, newColumnID string, expectedVersion int) (Card, error) {
	var moved Card
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin move card tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE cards SET column_id = ?, version = version + 1
			WHERE id = ? AND version = ?;
		`, newColumnID, cardID, expectedVersion)
		if err != nil {
			return fmt.Errorf("move card update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
		row := tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?;`, cardID)
		moved, err = scanCardRow(row.Scan)
		if err != nil {
			return fmt.Errorf("reread moved card: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Card{}, err
	}
	return moved, nil
}

// SetCardAgentStatus updates the automation-visible status on a card
// without touching its column or version (version only tracks moves).
func (s *Store) SetCardAgentStatus(ctx context.Context, cardID string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cards SET agent_status = ? WHERE id = ?;`, string(status), cardID)
	if err != nil {
		return fmt.Errorf("set card agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
