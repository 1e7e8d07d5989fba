package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus enumerates the auction state machine states.
type AuctionStatus string

const (
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionPaid      AuctionStatus = "paid"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether the status never transitions again.
func (s AuctionStatus) Terminal() bool {
	switch s {
	case AuctionEnded, AuctionPaid, AuctionCancelled:
		return true
	default:
		return false
	}
}

// MinIncrement is the authoritative minimum bid increment: one whole
// currency unit over the current bid.
var MinIncrement = decimal.NewFromInt(1)

// allowedDurations are the permitted auction run lengths in seconds.
var allowedDurations = map[int]struct{}{
	60:   {},
	300:  {},
	600:  {},
	1800: {},
}

// ValidDuration reports whether seconds is a permitted auction duration.
func ValidDuration(seconds int) bool {
	_, ok := allowedDurations[seconds]
	return ok
}

// Auction is the central entity: a timed English auction bound to a channel.
//
// Invariants: CurrentBid >= StartingPrice; EndsAt is monotone non-decreasing
// while the auction is active; terminal states never transition back.
type Auction struct {
	ID              string           `json:"id"`
	ChannelID       int64            `json:"channel_id"`
	SellerID        int64            `json:"seller_id"`
	ProductID       int64            `json:"product_id"`
	ProductName     string           `json:"product_name"`
	StartingPrice   decimal.Decimal  `json:"starting_price"`
	BuyoutPrice     *decimal.Decimal `json:"buyout_price,omitempty"`
	CurrentBid      decimal.Decimal  `json:"current_bid"`
	HighestBidderID *int64           `json:"highest_bidder_id,omitempty"`
	DurationSeconds int              `json:"duration_seconds"`
	Status          AuctionStatus    `json:"status"`
	ExtendedCount   int              `json:"extended_count"`
	StartedAt       time.Time        `json:"started_at"`
	EndsAt          time.Time        `json:"ends_at"`
}

// MinNextBid returns the smallest acceptable bid amount.
func (a Auction) MinNextBid() decimal.Decimal {
	return a.CurrentBid.Add(MinIncrement)
}

// IsBuyout reports whether amount triggers the buyout path.
func (a Auction) IsBuyout(amount decimal.Decimal) bool {
	return a.BuyoutPrice != nil && amount.GreaterThanOrEqual(*a.BuyoutPrice)
}

// HasWinner reports whether at least one bid has been accepted.
func (a Auction) HasWinner() bool { return a.HighestBidderID != nil }

// Bid is an accepted offer on an auction. Immutable once persisted.
type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	BidderID  int64           `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	PlacedAt  time.Time       `json:"placed_at"`
}
