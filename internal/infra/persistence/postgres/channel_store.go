package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/internal/domain/schema"
)

// ChannelStore persists live sessions.
type ChannelStore struct {
	pool *pgxpool.Pool
}

// NewChannelStore constructs a ChannelStore backed by the provided pool.
func NewChannelStore(pool *pgxpool.Pool) *ChannelStore {
	return &ChannelStore{pool: pool}
}

const (
	channelInsertSQL = `
INSERT INTO channels (host_id, title, status, created_at)
VALUES (@host_id, @title, @status, @created_at)
RETURNING id;
`

	channelSelectSQL = `
SELECT id, host_id, title, status, highlighted_product_id, created_at, started_at, ended_at
FROM channels
WHERE id = $1;
`

	channelTransitionSQL = `
UPDATE channels
SET status = @to,
    started_at = CASE WHEN @to = 'active' THEN @at ELSE started_at END,
    ended_at   = CASE WHEN @to = 'ended' THEN @at ELSE ended_at END
WHERE id = @id AND status = @from;
`

	channelHighlightSQL = `
UPDATE channels
SET highlighted_product_id = $2
WHERE id = $1;
`
)

// CreateChannel inserts a channel and returns it with its assigned id.
func (s *ChannelStore) CreateChannel(ctx context.Context, channel schema.Channel) (schema.Channel, error) {
	const op = "postgres/channel"
	args := pgx.NamedArgs{
		"host_id":    channel.HostID,
		"title":      channel.Title,
		"status":     string(channel.Status),
		"created_at": channel.CreatedAt,
	}
	if err := s.pool.QueryRow(ctx, channelInsertSQL, args).Scan(&channel.ID); err != nil {
		return schema.Channel{}, storeErr(op, "insert channel", err)
	}
	return channel, nil
}

// GetChannel fetches a channel by id.
func (s *ChannelStore) GetChannel(ctx context.Context, id int64) (schema.Channel, error) {
	const op = "postgres/channel"
	var (
		channel     schema.Channel
		status      string
		highlighted pgtype.Int8
		startedAt   pgtype.Timestamptz
		endedAt     pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, channelSelectSQL, id).Scan(
		&channel.ID, &channel.HostID, &channel.Title, &status, &highlighted,
		&channel.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return schema.Channel{}, storeErr(op, "get channel", err)
	}
	channel.Status = schema.ChannelStatus(status)
	if highlighted.Valid {
		v := highlighted.Int64
		channel.HighlightedProductID = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		channel.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		channel.EndedAt = &t
	}
	return channel, nil
}

// TransitionChannel conditionally moves the channel between statuses and
// reports whether a row changed.
func (s *ChannelStore) TransitionChannel(ctx context.Context, id int64, from, to schema.ChannelStatus, at time.Time) (bool, error) {
	const op = "postgres/channel"
	args := pgx.NamedArgs{
		"id":   id,
		"from": string(from),
		"to":   string(to),
		"at":   at,
	}
	tag, err := s.pool.Exec(ctx, channelTransitionSQL, args)
	if err != nil {
		return false, storeErr(op, "transition channel", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetHighlight replaces the highlighted product; nil clears it.
func (s *ChannelStore) SetHighlight(ctx context.Context, channelID int64, productID *int64) error {
	const op = "postgres/channel"
	var arg any
	if productID != nil {
		arg = *productID
	}
	if _, err := s.pool.Exec(ctx, channelHighlightSQL, channelID, arg); err != nil {
		return storeErr(op, "set highlight", err)
	}
	return nil
}
