// Package store declares the persistence contracts consumed by the engine,
// scheduler, and command surface. Implementations live under
// internal/infra/persistence.
package store

import (
	"context"
	"time"

	"github.com/streambid/streambid/internal/domain/schema"
)

// UserStore resolves platform identities.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (schema.User, error)
}

// ChannelStore persists live sessions.
type ChannelStore interface {
	CreateChannel(ctx context.Context, channel schema.Channel) (schema.Channel, error)
	GetChannel(ctx context.Context, id int64) (schema.Channel, error)
	// TransitionChannel moves the channel from to the given status; the
	// update is conditional on the current status and reports whether a
	// row changed.
	TransitionChannel(ctx context.Context, id int64, from, to schema.ChannelStatus, at time.Time) (bool, error)
	// SetHighlight replaces the highlighted product; nil clears it.
	SetHighlight(ctx context.Context, channelID int64, productID *int64) error
}

// ProductStore reads sellable items.
type ProductStore interface {
	GetProduct(ctx context.Context, id int64) (schema.Product, error)
}

// AuctionTx exposes the mutations permitted while an auction row is locked.
// Every method runs inside the transaction that locked the row; the whole
// set commits or leaves no trace.
type AuctionTx interface {
	// Auction returns the row as loaded under the lock.
	Auction() schema.Auction
	InsertBid(ctx context.Context, bid schema.Bid) error
	UpdateAuction(ctx context.Context, auction schema.Auction) error
	InsertOrder(ctx context.Context, order schema.Order) error
	ScheduleDeadline(ctx context.Context, kind schema.DeadlineKind, targetID string, fireAt time.Time) error
	RescheduleDeadline(ctx context.Context, kind schema.DeadlineKind, targetID string, fireAt time.Time) error
	CancelDeadline(ctx context.Context, kind schema.DeadlineKind, targetID string) error
}

// AuctionStore persists auctions and serializes concurrent writers per
// auction id through row-level locking.
type AuctionStore interface {
	// CreateAuction inserts the auction and its close deadline in one
	// transaction. Fails with conflict when the channel already has a
	// non-terminal auction.
	CreateAuction(ctx context.Context, auction schema.Auction) error
	GetAuction(ctx context.Context, id string) (schema.Auction, error)
	ActiveAuctionByChannel(ctx context.Context, channelID int64) (schema.Auction, bool, error)
	// WithAuction loads the auction row FOR UPDATE and runs fn; commit on
	// nil return, rollback otherwise. Transient serialization failures
	// are retried internally.
	WithAuction(ctx context.Context, auctionID string, fn func(ctx context.Context, tx AuctionTx) error) error
}

// OrderStore persists orders issued at auction close.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (schema.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]schema.Order, error)
	// MarkOrderPaid conditionally moves pending -> paid, stamps paid_at,
	// flips the auction to paid, and removes the payment deadline; the
	// whole change is one transaction. Reports whether a row changed.
	MarkOrderPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)
	// ExpireOrder conditionally moves pending -> failed. Reports whether
	// a row changed.
	ExpireOrder(ctx context.Context, id string) (bool, error)
	// SetOrderShipped conditionally stamps shipped_at on a paid order that
	// has not shipped yet. Reports whether a row changed.
	SetOrderShipped(ctx context.Context, id string, shippedAt time.Time) (bool, error)
}

// MessageStore persists channel chat.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg schema.Message) error
	// ListMessages returns the most recent limit non-deleted messages,
	// oldest first.
	ListMessages(ctx context.Context, channelID int64, limit int) ([]schema.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
}

// DeadlineStore backs the durable timer wheel.
type DeadlineStore interface {
	// DuePending returns unclaimed, non-dead-lettered rows with
	// fire_at <= now, ordered by fire_at.
	DuePending(ctx context.Context, now time.Time, limit int) ([]schema.ScheduledDeadline, error)
	// Claim conditionally stamps claimed_at; exactly one worker wins. A
	// row whose fire_at moved past at since the sweep is not claimable.
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)
	// Release clears the claim after a failed handle, recording the error
	// and pushing fire_at to the supplied retry time.
	Release(ctx context.Context, id int64, fireAt time.Time, lastError string) error
	// Delete removes the row once its handler succeeded.
	Delete(ctx context.Context, id int64) error
	// DeadLetter parks the row after the retry budget is exhausted.
	DeadLetter(ctx context.Context, id int64, lastError string) error
	// ReapExpiredClaims clears claims older than cutoff so another worker
	// can retry after a crash; returns the number of rows released.
	ReapExpiredClaims(ctx context.Context, cutoff time.Time) (int64, error)
}
