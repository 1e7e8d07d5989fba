package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/internal/domain/schema"
)

// OrderStore persists orders issued at auction close.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderSelectBase = `
SELECT
    id::text,
    auction_id::text,
    channel_id,
    buyer_id,
    seller_id,
    product_id,
    final_price::text,
    platform_fee::text,
    seller_payout::text,
    payment_status,
    payment_deadline,
    paid_at,
    shipped_at,
    created_at
FROM orders
`

	orderSelectSQL  = orderSelectBase + `WHERE id = $1;`
	orderByBuyerSQL = orderSelectBase + `WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2;`

	orderMarkPaidSQL = `
UPDATE orders
SET payment_status = 'paid',
    paid_at = $2
WHERE id = $1 AND payment_status = 'pending'
RETURNING auction_id;
`

	auctionMarkPaidSQL = `
UPDATE auctions
SET status = 'paid'
WHERE id = $1 AND status = 'ended';
`

	orderExpireSQL = `
UPDATE orders
SET payment_status = 'failed'
WHERE id = $1 AND payment_status = 'pending';
`

	orderShipSQL = `
UPDATE orders
SET shipped_at = $2
WHERE id = $1 AND payment_status = 'paid' AND shipped_at IS NULL;
`
)

func scanOrder(op string, row rowScanner) (schema.Order, error) {
	var (
		order        schema.Order
		finalPrice   string
		platformFee  string
		sellerPayout string
		status       string
		deadline     pgtype.Timestamptz
		paidAt       pgtype.Timestamptz
		shippedAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&order.ID,
		&order.AuctionID,
		&order.ChannelID,
		&order.BuyerID,
		&order.SellerID,
		&order.ProductID,
		&finalPrice,
		&platformFee,
		&sellerPayout,
		&status,
		&deadline,
		&paidAt,
		&shippedAt,
		&order.CreatedAt,
	); err != nil {
		return schema.Order{}, storeErr(op, "scan order", err)
	}
	var err error
	if order.FinalPrice, err = decimalFromText(op, finalPrice); err != nil {
		return schema.Order{}, err
	}
	if order.PlatformFee, err = decimalFromText(op, platformFee); err != nil {
		return schema.Order{}, err
	}
	if order.SellerPayout, err = decimalFromText(op, sellerPayout); err != nil {
		return schema.Order{}, err
	}
	order.PaymentStatus = schema.PaymentStatus(status)
	if deadline.Valid {
		t := deadline.Time
		order.PaymentDeadline = &t
	}
	if paidAt.Valid {
		t := paidAt.Time
		order.PaidAt = &t
	}
	if shippedAt.Valid {
		t := shippedAt.Time
		order.ShippedAt = &t
	}
	return order, nil
}

// GetOrder fetches an order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	const op = "postgres/order"
	return scanOrder(op, s.pool.QueryRow(ctx, orderSelectSQL, id))
}

// ListOrdersByBuyer returns the buyer's orders, newest first.
func (s *OrderStore) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]schema.Order, error) {
	const op = "postgres/order"
	rows, err := s.pool.Query(ctx, orderByBuyerSQL, buyerID, limit)
	if err != nil {
		return nil, storeErr(op, "list orders", err)
	}
	defer rows.Close()

	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(op, rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "iterate orders", err)
	}
	return orders, nil
}

// MarkOrderPaid settles a pending order: stamps paid_at, flips the auction
// to paid, and removes the expiry deadline, all in one transaction. The
// conditional update makes pay-vs-expire races resolve to one winner.
func (s *OrderStore) MarkOrderPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	const op = "postgres/order"
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, storeErr(op, "begin tx", err)
	}
	defer rollback(ctx, tx)

	var auctionID string
	err = tx.QueryRow(ctx, orderMarkPaidSQL, id, paidAt).Scan(&auctionID)
	if err != nil {
		if wrapped := storeErr(op, "mark paid", err); isNotFound(wrapped) {
			return false, nil
		}
		return false, storeErr(op, "mark paid", err)
	}
	if _, err := tx.Exec(ctx, auctionMarkPaidSQL, auctionID); err != nil {
		return false, storeErr(op, "mark auction paid", err)
	}
	if _, err := tx.Exec(ctx, deadlineCancelSQL, string(schema.DeadlinePaymentExpire), id); err != nil {
		return false, storeErr(op, "cancel payment deadline", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, storeErr(op, "commit tx", err)
	}
	return true, nil
}

// ExpireOrder conditionally fails a still-pending order.
func (s *OrderStore) ExpireOrder(ctx context.Context, id string) (bool, error) {
	const op = "postgres/order"
	tag, err := s.pool.Exec(ctx, orderExpireSQL, id)
	if err != nil {
		return false, storeErr(op, "expire order", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetOrderShipped stamps shipped_at on a paid, not-yet-shipped order.
func (s *OrderStore) SetOrderShipped(ctx context.Context, id string, shippedAt time.Time) (bool, error) {
	const op = "postgres/order"
	tag, err := s.pool.Exec(ctx, orderShipSQL, id, shippedAt)
	if err != nil {
		return false, storeErr(op, "set shipped", err)
	}
	return tag.RowsAffected() > 0, nil
}
