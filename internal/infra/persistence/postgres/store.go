// Package postgres implements the streambid store contracts on PostgreSQL
// via pgx. Money columns travel as text on both sides of the wire and are
// parsed into decimals at the boundary.
package postgres

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/errs"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	txRetryAttempts = 3
)

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	const op = "postgres/connect"
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("parse database url"), errs.WithCause(err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("open pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("ping database"), errs.WithCause(err))
	}
	return pool, nil
}

// Store bundles every repository behind one pool.
type Store struct {
	Users     *UserStore
	Channels  *ChannelStore
	Products  *ProductStore
	Auctions  *AuctionStore
	Orders    *OrderStore
	Messages  *MessageStore
	Deadlines *DeadlineStore
}

// New constructs the full repository set.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Users:     NewUserStore(pool),
		Channels:  NewChannelStore(pool),
		Products:  NewProductStore(pool),
		Auctions:  NewAuctionStore(pool),
		Orders:    NewOrderStore(pool),
		Messages:  NewMessageStore(pool),
		Deadlines: NewDeadlineStore(pool),
	}
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func isNotFound(err error) bool {
	return errs.CodeOf(err) == errs.CodeNotFound
}

func storeErr(op, verb string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage(verb+": not found"), errs.WithCause(err))
	}
	return errs.New(op, errs.CodeInternal, errs.WithMessage(verb), errs.WithCause(err))
}

// retryDelay spaces transaction retries with jitter so colliding writers
// do not re-collide in lockstep.
func retryDelay(attempt int) time.Duration {
	base := time.Duration(attempt+1) * 25 * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(20*time.Millisecond)))
}

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
