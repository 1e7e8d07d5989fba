package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/internal/domain/schema"
)

// DeadlineStore backs the durable timer wheel. Workers race on Claim; the
// conditional update guarantees a single winner per row.
type DeadlineStore struct {
	pool *pgxpool.Pool
}

// NewDeadlineStore constructs a DeadlineStore backed by the provided pool.
func NewDeadlineStore(pool *pgxpool.Pool) *DeadlineStore {
	return &DeadlineStore{pool: pool}
}

const (
	defaultDeadlineLimit = 128
	maxDeadlineLimit     = 1024
)

const (
	deadlineDueSQL = `
SELECT id, kind, target_id, fire_at, claimed_at, retry_count, last_error, dead_letter
FROM scheduled_deadlines
WHERE claimed_at IS NULL
  AND dead_letter = FALSE
  AND fire_at <= $1
ORDER BY fire_at ASC
LIMIT $2;
`

	deadlineClaimSQL = `
UPDATE scheduled_deadlines
SET claimed_at = $2
WHERE id = $1 AND claimed_at IS NULL AND dead_letter = FALSE AND fire_at <= $2;
`

	deadlineReleaseSQL = `
UPDATE scheduled_deadlines
SET claimed_at = NULL,
    retry_count = retry_count + 1,
    last_error = $3,
    fire_at = $2
WHERE id = $1;
`

	deadlineDeleteSQL = `
DELETE FROM scheduled_deadlines
WHERE id = $1;
`

	deadlineDeadLetterSQL = `
UPDATE scheduled_deadlines
SET dead_letter = TRUE,
    claimed_at = NULL,
    last_error = $2
WHERE id = $1;
`

	deadlineReapSQL = `
UPDATE scheduled_deadlines
SET claimed_at = NULL
WHERE claimed_at IS NOT NULL AND claimed_at < $1;
`
)

// DuePending returns unclaimed, live rows whose fire_at has passed.
func (s *DeadlineStore) DuePending(ctx context.Context, now time.Time, limit int) ([]schema.ScheduledDeadline, error) {
	const op = "postgres/deadline"
	if limit <= 0 {
		limit = defaultDeadlineLimit
	} else if limit > maxDeadlineLimit {
		limit = maxDeadlineLimit
	}
	rows, err := s.pool.Query(ctx, deadlineDueSQL, now, limit)
	if err != nil {
		return nil, storeErr(op, "list due", err)
	}
	defer rows.Close()

	var deadlines []schema.ScheduledDeadline
	for rows.Next() {
		var (
			d         schema.ScheduledDeadline
			kind      string
			claimedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&d.ID, &kind, &d.TargetID, &d.FireAt, &claimedAt, &d.RetryCount, &d.LastError, &d.DeadLetter); err != nil {
			return nil, storeErr(op, "scan deadline", err)
		}
		d.Kind = schema.DeadlineKind(kind)
		if claimedAt.Valid {
			t := claimedAt.Time
			d.ClaimedAt = &t
		}
		deadlines = append(deadlines, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "iterate due", err)
	}
	return deadlines, nil
}

// Claim stamps claimed_at on an unclaimed row; reports whether this caller
// won the race. The fire_at predicate rejects rows rescheduled into the
// future between the due sweep and the claim.
func (s *DeadlineStore) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	const op = "postgres/deadline"
	tag, err := s.pool.Exec(ctx, deadlineClaimSQL, id, at)
	if err != nil {
		return false, storeErr(op, "claim", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release returns a failed row to the pool with a pushed-out fire_at.
func (s *DeadlineStore) Release(ctx context.Context, id int64, fireAt time.Time, lastError string) error {
	const op = "postgres/deadline"
	if _, err := s.pool.Exec(ctx, deadlineReleaseSQL, id, fireAt, strings.TrimSpace(lastError)); err != nil {
		return storeErr(op, "release", err)
	}
	return nil
}

// Delete removes a row once its handler succeeded.
func (s *DeadlineStore) Delete(ctx context.Context, id int64) error {
	const op = "postgres/deadline"
	if _, err := s.pool.Exec(ctx, deadlineDeleteSQL, id); err != nil {
		return storeErr(op, "delete", err)
	}
	return nil
}

// DeadLetter parks a row whose retry budget is exhausted.
func (s *DeadlineStore) DeadLetter(ctx context.Context, id int64, lastError string) error {
	const op = "postgres/deadline"
	if _, err := s.pool.Exec(ctx, deadlineDeadLetterSQL, id, strings.TrimSpace(lastError)); err != nil {
		return storeErr(op, "dead letter", err)
	}
	return nil
}

// ReapExpiredClaims clears claims older than cutoff so a crashed worker's
// rows become claimable again.
func (s *DeadlineStore) ReapExpiredClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "postgres/deadline"
	tag, err := s.pool.Exec(ctx, deadlineReapSQL, cutoff)
	if err != nil {
		return 0, storeErr(op, "reap claims", err)
	}
	return tag.RowsAffected(), nil
}
