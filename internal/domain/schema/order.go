package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus enumerates payment lifecycle states of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Order is created atomically when an auction terminates with a winner.
type Order struct {
	ID              string          `json:"id"`
	AuctionID       string          `json:"auction_id"`
	ChannelID       int64           `json:"channel_id"`
	BuyerID         int64           `json:"buyer_id"`
	SellerID        int64           `json:"seller_id"`
	ProductID       int64           `json:"product_id"`
	FinalPrice      decimal.Decimal `json:"final_price"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	SellerPayout    decimal.Decimal `json:"seller_payout"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	PaymentDeadline *time.Time      `json:"payment_deadline,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	ShippedAt       *time.Time      `json:"shipped_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Shipped is the derived display state: set once the order is paid and the
// seller marked it shipped.
func (o Order) Shipped() bool {
	return o.ShippedAt != nil && o.PaymentStatus == PaymentPaid
}

// PlatformFee computes the platform cut of finalPrice at feeBPS basis
// points, rounded half up to two fractional digits.
func PlatformFee(finalPrice decimal.Decimal, feeBPS int64) decimal.Decimal {
	bps := decimal.NewFromInt(feeBPS)
	tenThousand := decimal.NewFromInt(10000)
	// decimal.Round rounds half away from zero, which is half up for
	// the non-negative amounts handled here.
	return finalPrice.Mul(bps).Div(tenThousand).Round(2)
}

// SplitPrice returns (platform_fee, seller_payout) such that the two always
// sum to finalPrice.
func SplitPrice(finalPrice decimal.Decimal, feeBPS int64) (decimal.Decimal, decimal.Decimal) {
	fee := PlatformFee(finalPrice, feeBPS)
	return fee, finalPrice.Sub(fee)
}
