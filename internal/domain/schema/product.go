package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Shop groups products under a seller.
type Shop struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a sellable item. Once an auction snapshots a product the
// snapshot is immutable; edits to the product do not reach past auctions.
type Product struct {
	ID        int64           `json:"id"`
	ShopID    int64           `json:"shop_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}
