package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateConversation inserts c, assigning an ID and timestamp when unset.
func (q *Queries) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = q.Now()
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, formatTime(c.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (q *Queries) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var createdAt string
	err := q.q.QueryRowContext(ctx,
		`SELECT id, user_id, COALESCE(title,''), created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}
