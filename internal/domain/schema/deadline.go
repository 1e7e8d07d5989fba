package schema

import "time"

// DeadlineKind names the side effect a scheduled deadline triggers.
type DeadlineKind string

const (
	// DeadlineAuctionClose closes an auction at its end time.
	DeadlineAuctionClose DeadlineKind = "auction_close"
	// DeadlinePaymentExpire fails an order whose payment window lapsed.
	DeadlinePaymentExpire DeadlineKind = "payment_expire"
)

// ValidDeadlineKind reports whether kind is a known deadline kind.
func ValidDeadlineKind(kind DeadlineKind) bool {
	switch kind {
	case DeadlineAuctionClose, DeadlinePaymentExpire:
		return true
	default:
		return false
	}
}

// ScheduledDeadline is a durable timer row. At most one unclaimed row
// exists per (kind, target_id); the row is retained until its handler
// succeeds, then deleted.
type ScheduledDeadline struct {
	ID         int64
	Kind       DeadlineKind
	TargetID   string
	FireAt     time.Time
	ClaimedAt  *time.Time
	RetryCount int
	LastError  string
	DeadLetter bool
}
