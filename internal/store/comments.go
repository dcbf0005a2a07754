package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func scanCommentRow(scan func(dest ...any) error) (Comment, error) {
	var c Comment
	var isAgent int
	err := scan(&c.ID, &c.CardID, &c.UserID, &c.Content, &isAgent, &c.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	c.IsAgentOutput = isAgent != 0
	return c, nil
}

const commentColumns = `id, card_id, user_id, content, is_agent_output, created_at`

// CreateComment inserts a comment on a card. Used both for human comments
// and for agent output posted back by the automation engine on task
// completion/failure.
func (s *Store) CreateComment(ctx context.Context, c Comment) (Comment, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = s.now().UTC()
	isAgent := 0
	if c.IsAgentOutput {
		isAgent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?);
	`, c.ID, c.CardID, c.UserID, c.Content, isAgent, c.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

// GetComment fetches a comment by id.
func (s *Store) GetComment(ctx context.Context, id string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?;`, id)
	c, err := scanCommentRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("scan comment: %w", err)
	}
	return c, nil
}

// ListCommentsByCard returns every comment on a card, oldest first.
func (s *Store) ListCommentsByCard(ctx context.Context, cardID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE card_id = ? ORDER BY created_at ASC;`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list comments by card: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		c, err := scanCommentRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan comment row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
