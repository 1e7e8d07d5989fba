package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/internal/domain/schema"
)

// MessageStore persists channel chat.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore constructs a MessageStore backed by the provided pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const (
	messageInsertSQL = `
INSERT INTO messages (id, channel_id, author_id, content, sent_at)
VALUES (@id, @channel_id, @author_id, @content, @sent_at);
`

	messageListSQL = `
SELECT id::text, channel_id, author_id, content, sent_at
FROM (
    SELECT id, channel_id, author_id, content, sent_at
    FROM messages
    WHERE channel_id = $1 AND deleted_at IS NULL
    ORDER BY sent_at DESC
    LIMIT $2
) recent
ORDER BY sent_at ASC;
`

	messageSoftDeleteSQL = `
UPDATE messages
SET deleted_at = $2
WHERE id = $1 AND deleted_at IS NULL;
`
)

// InsertMessage appends a chat line.
func (s *MessageStore) InsertMessage(ctx context.Context, msg schema.Message) error {
	const op = "postgres/message"
	args := pgx.NamedArgs{
		"id":         msg.ID,
		"channel_id": msg.ChannelID,
		"author_id":  msg.AuthorID,
		"content":    msg.Content,
		"sent_at":    msg.SentAt,
	}
	if _, err := s.pool.Exec(ctx, messageInsertSQL, args); err != nil {
		return storeErr(op, "insert message", err)
	}
	return nil
}

// ListMessages returns the most recent limit non-deleted messages, oldest
// first.
func (s *MessageStore) ListMessages(ctx context.Context, channelID int64, limit int) ([]schema.Message, error) {
	const op = "postgres/message"
	rows, err := s.pool.Query(ctx, messageListSQL, channelID, limit)
	if err != nil {
		return nil, storeErr(op, "list messages", err)
	}
	defer rows.Close()

	var messages []schema.Message
	for rows.Next() {
		var msg schema.Message
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content, &msg.SentAt); err != nil {
			return nil, storeErr(op, "scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "iterate messages", err)
	}
	return messages, nil
}

// SoftDeleteMessage hides a message from history without removing the row.
func (s *MessageStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	const op = "postgres/message"
	if _, err := s.pool.Exec(ctx, messageSoftDeleteSQL, id, at); err != nil {
		return storeErr(op, "soft delete message", err)
	}
	return nil
}
