package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertMedia records a stored artifact. The caller assigns the ID since it
// also names the stored file.
func (q *Queries) InsertMedia(ctx context.Context, m *Media) (*Media, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("insert media: id is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.Now()
	}
	_, err := q.q.ExecContext(ctx, `
	INSERT INTO media (id, conversation_id, message_id, media_type, storage_path, sha256, size_bytes, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, nullString(m.MessageID), m.MediaType, m.StoragePath, m.SHA256, m.SizeBytes,
		formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert media: %w", err)
	}
	return m, nil
}

// GetMedia returns a media record by id.
func (q *Queries) GetMedia(ctx context.Context, id string) (*Media, error) {
	var m Media
	var createdAt string
	err := q.q.QueryRowContext(ctx, `
	SELECT id, conversation_id, COALESCE(message_id,''), media_type, storage_path, COALESCE(sha256,''), size_bytes, created_at
	FROM media WHERE id = ?`, id,
	).Scan(&m.ID, &m.ConversationID, &m.MessageID, &m.MediaType, &m.StoragePath, &m.SHA256, &m.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMedia returns the number of media rows in a conversation.
func (q *Queries) CountMedia(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM media WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count media: %w", err)
	}
	return n, nil
}
