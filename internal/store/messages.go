package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, COALESCE(run_id,''), sender, content_json, created_at`

// InsertMessage appends m to its conversation. Messages are never updated.
func (q *Queries) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.Now()
	}
	ctype, body, err := EncodeContent(m.Content)
	if err != nil {
		return nil, err
	}
	_, err = q.q.ExecContext(ctx, `
	INSERT INTO messages (id, conversation_id, run_id, sender, content_type, content_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, nullString(m.RunID), string(m.Sender), string(ctype), body, formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id.
func (q *Queries) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns the conversation's messages in creation order.
// A zero Limit returns every message.
func (q *Queries) ListMessages(ctx context.Context, conversationID string, f MessageFilter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}

	if f.AfterID != "" {
		// An unknown cursor is ignored rather than treated as an error.
		var cursorAt string
		var cursorSeq int64
		err := q.q.QueryRowContext(ctx,
			`SELECT created_at, seq FROM messages WHERE id = ? AND conversation_id = ?`, f.AfterID, conversationID,
		).Scan(&cursorAt, &cursorSeq)
		switch {
		case err == nil:
			query += ` AND (created_at > ? OR (created_at = ? AND seq > ?))`
			args = append(args, cursorAt, cursorAt, cursorSeq)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("resolve message cursor: %w", err)
		}
	}
	if f.Since != nil {
		query += ` AND created_at > ?`
		args = append(args, formatTime(*f.Since))
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListRunMessages returns assistant messages produced by the given run.
func (q *Queries) ListRunMessages(ctx context.Context, runID string) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE run_id = ? ORDER BY created_at ASC, seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var sender, body, createdAt string
	if err := scan(&m.ID, &m.ConversationID, &m.RunID, &sender, &body, &createdAt); err != nil {
		return nil, err
	}
	m.Sender = Sender(sender)
	content, err := DecodeContent(body)
	if err != nil {
		return nil, err
	}
	m.Content = content
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}
