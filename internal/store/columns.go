package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func scanColumnRow(scan func(dest ...any) error) (Column, error) {
	var c Column
	var autoRun int
	err := scan(&c.ID, &c.BoardID, &c.Name, &autoRun, &c.AgentType, &c.PromptTemplate, &c.OnSuccessColumnID, &c.OnFailureColumnID, &c.MaxLoopCount)
	if err != nil {
		return Column{}, err
	}
	c.AutoRun = autoRun != 0
	return c, nil
}

const columnColumns = `id, board_id, name, auto_run, agent_type, prompt_template, on_success_column_id, on_failure_column_id, max_loop_count`

// CreateColumn inserts a new column.
func (s *Store) CreateColumn(ctx context.Context, c Column) (Column, error) {
	c.ID = uuid.NewString()
	autoRun := 0
	if c.AutoRun {
		autoRun = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO columns (`+columnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, c.ID, c.BoardID, c.Name, autoRun, c.AgentType, c.PromptTemplate, c.OnSuccessColumnID, c.OnFailureColumnID, c.MaxLoopCount)
	if err != nil {
		return Column{}, fmt.Errorf("insert column: %w", err)
	}
	return c, nil
}

// GetColumn fetches a column by id.
func (s *Store) GetColumn(ctx context.Context, id string) (Column, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columnColumns+` FROM columns WHERE id = ?;`, id)
	c, err := scanColumnRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Column{}, ErrNotFound
	}
	if err != nil {
		return Column{}, fmt.Errorf("scan column: %w", err)
	}
	return c, nil
}

// ListColumnsByBoard returns every column on a board.
func (s *Store) ListColumnsByBoard(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columnColumns+` FROM columns WHERE board_id = ?;`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns by board: %w", err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		c, err := scanColumnRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
