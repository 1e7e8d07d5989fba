package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/domain/store"
)

// AuctionStore persists auctions and serializes concurrent writers per
// auction id with row-level locks.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore constructs an AuctionStore backed by the provided pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

const (
	auctionInsertSQL = `
INSERT INTO auctions (
    id,
    channel_id,
    seller_id,
    product_id,
    product_name,
    starting_price,
    buyout_price,
    current_bid,
    duration_seconds,
    status,
    extended_count,
    started_at,
    ends_at
)
VALUES (
    @id,
    @channel_id,
    @seller_id,
    @product_id,
    @product_name,
    @starting_price::numeric,
    @buyout_price::numeric,
    @current_bid::numeric,
    @duration_seconds,
    @status,
    @extended_count,
    @started_at,
    @ends_at
);
`

	auctionSelectBase = `
SELECT
    id::text,
    channel_id,
    seller_id,
    product_id,
    product_name,
    starting_price::text,
    buyout_price::text,
    current_bid::text,
    highest_bidder_id,
    duration_seconds,
    status,
    extended_count,
    started_at,
    ends_at
FROM auctions
`

	auctionSelectSQL          = auctionSelectBase + `WHERE id = $1;`
	auctionSelectForUpdateSQL = auctionSelectBase + `WHERE id = $1 FOR UPDATE;`
	auctionActiveByChannelSQL = auctionSelectBase + `WHERE channel_id = $1 AND status = 'active';`

	auctionUpdateSQL = `
UPDATE auctions
SET current_bid = @current_bid::numeric,
    highest_bidder_id = @highest_bidder_id,
    status = @status,
    extended_count = @extended_count,
    ends_at = @ends_at
WHERE id = @id;
`

	bidInsertSQL = `
INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at)
VALUES (@id, @auction_id, @bidder_id, @amount::numeric, @placed_at);
`

	orderInsertSQL = `
INSERT INTO orders (
    id,
    auction_id,
    channel_id,
    buyer_id,
    seller_id,
    product_id,
    final_price,
    platform_fee,
    seller_payout,
    payment_status,
    payment_deadline,
    created_at
)
VALUES (
    @id,
    @auction_id,
    @channel_id,
    @buyer_id,
    @seller_id,
    @product_id,
    @final_price::numeric,
    @platform_fee::numeric,
    @seller_payout::numeric,
    @payment_status,
    @payment_deadline,
    @created_at
);
`

	deadlineUpsertSQL = `
INSERT INTO scheduled_deadlines (kind, target_id, fire_at)
VALUES (@kind, @target_id, @fire_at)
ON CONFLICT (kind, target_id) DO UPDATE SET
    fire_at = EXCLUDED.fire_at,
    claimed_at = NULL,
    retry_count = 0,
    last_error = '',
    dead_letter = FALSE;
`

	deadlineCancelSQL = `
DELETE FROM scheduled_deadlines
WHERE kind = $1 AND target_id = $2;
`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(op string, row rowScanner) (schema.Auction, error) {
	var (
		a             schema.Auction
		startingPrice string
		buyoutPrice   pgtype.Text
		currentBid    string
		highestBidder pgtype.Int8
		status        string
	)
	if err := row.Scan(
		&a.ID,
		&a.ChannelID,
		&a.SellerID,
		&a.ProductID,
		&a.ProductName,
		&startingPrice,
		&buyoutPrice,
		&currentBid,
		&highestBidder,
		&a.DurationSeconds,
		&status,
		&a.ExtendedCount,
		&a.StartedAt,
		&a.EndsAt,
	); err != nil {
		return schema.Auction{}, storeErr(op, "scan auction", err)
	}
	var err error
	if a.StartingPrice, err = decimalFromText(op, startingPrice); err != nil {
		return schema.Auction{}, err
	}
	if a.CurrentBid, err = decimalFromText(op, currentBid); err != nil {
		return schema.Auction{}, err
	}
	if buyoutPrice.Valid {
		buyout, err := decimalFromText(op, buyoutPrice.String)
		if err != nil {
			return schema.Auction{}, err
		}
		a.BuyoutPrice = &buyout
	}
	if highestBidder.Valid {
		bidder := highestBidder.Int64
		a.HighestBidderID = &bidder
	}
	a.Status = schema.AuctionStatus(status)
	return a, nil
}

func auctionArgs(a schema.Auction) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":               a.ID,
		"channel_id":       a.ChannelID,
		"seller_id":        a.SellerID,
		"product_id":       a.ProductID,
		"product_name":     a.ProductName,
		"starting_price":   decimalArg(a.StartingPrice),
		"buyout_price":     nullableDecimalArg(a.BuyoutPrice),
		"current_bid":      decimalArg(a.CurrentBid),
		"duration_seconds": a.DurationSeconds,
		"status":           string(a.Status),
		"extended_count":   a.ExtendedCount,
		"started_at":       a.StartedAt,
		"ends_at":          a.EndsAt,
	}
}

// CreateAuction inserts the auction and its close deadline in one
// transaction. The partial unique index on (channel_id) WHERE active turns
// a concurrent second start into a conflict.
func (s *AuctionStore) CreateAuction(ctx context.Context, auction schema.Auction) error {
	const op = "postgres/auction"
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storeErr(op, "begin tx", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, auctionInsertSQL, auctionArgs(auction)); err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.CodeConflict, errs.WithReason("auction_in_progress"),
				errs.WithMessage("channel already has an active auction"), errs.WithCause(err))
		}
		return storeErr(op, "insert auction", err)
	}
	if err := scheduleDeadlineWith(ctx, tx, schema.DeadlineAuctionClose, auction.ID, auction.EndsAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, "commit tx", err)
	}
	return nil
}

// GetAuction fetches an auction by id.
func (s *AuctionStore) GetAuction(ctx context.Context, id string) (schema.Auction, error) {
	const op = "postgres/auction"
	return scanAuction(op, s.pool.QueryRow(ctx, auctionSelectSQL, id))
}

// ActiveAuctionByChannel returns the channel's active auction, if any.
func (s *AuctionStore) ActiveAuctionByChannel(ctx context.Context, channelID int64) (schema.Auction, bool, error) {
	const op = "postgres/auction"
	auction, err := scanAuction(op, s.pool.QueryRow(ctx, auctionActiveByChannelSQL, channelID))
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return schema.Auction{}, false, nil
		}
		return schema.Auction{}, false, err
	}
	return auction, true, nil
}

// WithAuction loads the auction row FOR UPDATE and runs fn inside the same
// transaction. Serialization failures restart the whole callback.
func (s *AuctionStore) WithAuction(ctx context.Context, auctionID string, fn func(ctx context.Context, tx store.AuctionTx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err := s.withAuctionOnce(ctx, auctionID, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return errs.New("postgres/auction", errs.CodeTimeout, errs.WithCause(ctx.Err()))
		case <-time.After(retryDelay(attempt)):
		}
	}
	return lastErr
}

func (s *AuctionStore) withAuctionOnce(ctx context.Context, auctionID string, fn func(ctx context.Context, tx store.AuctionTx) error) error {
	const op = "postgres/auction"
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storeErr(op, "begin tx", err)
	}
	defer rollback(ctx, tx)

	auction, err := scanAuction(op, tx.QueryRow(ctx, auctionSelectForUpdateSQL, auctionID))
	if err != nil {
		return err
	}
	wrapped := &auctionTx{tx: tx, auction: auction}
	if err := fn(ctx, wrapped); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, "commit tx", err)
	}
	return nil
}

type auctionTx struct {
	tx      pgx.Tx
	auction schema.Auction
}

func (t *auctionTx) Auction() schema.Auction { return t.auction }

func (t *auctionTx) InsertBid(ctx context.Context, bid schema.Bid) error {
	const op = "postgres/auction"
	args := pgx.NamedArgs{
		"id":         bid.ID,
		"auction_id": bid.AuctionID,
		"bidder_id":  bid.BidderID,
		"amount":     decimalArg(bid.Amount),
		"placed_at":  bid.PlacedAt,
	}
	if _, err := t.tx.Exec(ctx, bidInsertSQL, args); err != nil {
		return storeErr(op, "insert bid", err)
	}
	return nil
}

func (t *auctionTx) UpdateAuction(ctx context.Context, auction schema.Auction) error {
	const op = "postgres/auction"
	var bidder any
	if auction.HighestBidderID != nil {
		bidder = *auction.HighestBidderID
	}
	args := pgx.NamedArgs{
		"id":                auction.ID,
		"current_bid":       decimalArg(auction.CurrentBid),
		"highest_bidder_id": bidder,
		"status":            string(auction.Status),
		"extended_count":    auction.ExtendedCount,
		"ends_at":           auction.EndsAt,
	}
	if _, err := t.tx.Exec(ctx, auctionUpdateSQL, args); err != nil {
		return storeErr(op, "update auction", err)
	}
	return nil
}

func (t *auctionTx) InsertOrder(ctx context.Context, order schema.Order) error {
	const op = "postgres/auction"
	var deadline any
	if order.PaymentDeadline != nil {
		deadline = *order.PaymentDeadline
	}
	args := pgx.NamedArgs{
		"id":               order.ID,
		"auction_id":       order.AuctionID,
		"channel_id":       order.ChannelID,
		"buyer_id":         order.BuyerID,
		"seller_id":        order.SellerID,
		"product_id":       order.ProductID,
		"final_price":      decimalArg(order.FinalPrice),
		"platform_fee":     decimalArg(order.PlatformFee),
		"seller_payout":    decimalArg(order.SellerPayout),
		"payment_status":   string(order.PaymentStatus),
		"payment_deadline": deadline,
		"created_at":       order.CreatedAt,
	}
	if _, err := t.tx.Exec(ctx, orderInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.CodeConflict, errs.WithReason("order_exists"),
				errs.WithMessage("auction already has an order"), errs.WithCause(err))
		}
		return storeErr(op, "insert order", err)
	}
	return nil
}

func (t *auctionTx) ScheduleDeadline(ctx context.Context, kind schema.DeadlineKind, targetID string, fireAt time.Time) error {
	return scheduleDeadlineWith(ctx, t.tx, kind, targetID, fireAt)
}

func (t *auctionTx) RescheduleDeadline(ctx context.Context, kind schema.DeadlineKind, targetID string, fireAt time.Time) error {
	return scheduleDeadlineWith(ctx, t.tx, kind, targetID, fireAt)
}

func (t *auctionTx) CancelDeadline(ctx context.Context, kind schema.DeadlineKind, targetID string) error {
	const op = "postgres/auction"
	if _, err := t.tx.Exec(ctx, deadlineCancelSQL, string(kind), targetID); err != nil {
		return storeErr(op, "cancel deadline", err)
	}
	return nil
}

func scheduleDeadlineWith(ctx context.Context, exec execer, kind schema.DeadlineKind, targetID string, fireAt time.Time) error {
	const op = "postgres/deadline"
	args := pgx.NamedArgs{
		"kind":      string(kind),
		"target_id": targetID,
		"fire_at":   fireAt,
	}
	if _, err := exec.Exec(ctx, deadlineUpsertSQL, args); err != nil {
		return storeErr(op, "schedule deadline", err)
	}
	return nil
}
