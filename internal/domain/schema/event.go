package schema

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/streambid/streambid/errs"
)

// EventKind names a real-time event carried on a channel topic.
type EventKind string

const (
	EventAuctionStarted      EventKind = "auction.started"
	EventAuctionBidPlaced    EventKind = "auction.bid_placed"
	EventAuctionExtended     EventKind = "auction.extended"
	EventAuctionEnded        EventKind = "auction.ended"
	EventAuctionCancelled    EventKind = "auction.cancelled"
	EventProductHighlighted  EventKind = "product.highlighted"
	EventProductUnhighlight  EventKind = "product.unhighlighted"
	EventChatMessage         EventKind = "chat.message"
	EventParticipantJoined   EventKind = "participant.joined"
	EventParticipantLeft     EventKind = "participant.left"
	EventOrderCreated        EventKind = "order.created"
	EventOrderExpired        EventKind = "order.expired"
)

var knownEventKinds = map[EventKind]struct{}{
	EventAuctionStarted:     {},
	EventAuctionBidPlaced:   {},
	EventAuctionExtended:    {},
	EventAuctionEnded:       {},
	EventAuctionCancelled:   {},
	EventProductHighlighted: {},
	EventProductUnhighlight: {},
	EventChatMessage:        {},
	EventParticipantJoined:  {},
	EventParticipantLeft:    {},
	EventOrderCreated:       {},
	EventOrderExpired:       {},
}

// ParseEventKind validates a wire event kind. Unknown kinds are rejected at
// the boundary.
func ParseEventKind(raw string) (EventKind, error) {
	kind := EventKind(raw)
	if _, ok := knownEventKinds[kind]; !ok {
		return "", errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event kind: "+raw))
	}
	return kind, nil
}

// Envelope is the wire form delivered to subscribers. Seq is monotonic
// within one channel topic; At is the server clock at publish.
type Envelope struct {
	Type      EventKind       `json:"type"`
	Seq       uint64          `json:"seq"`
	ChannelID int64           `json:"channel_id"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// Event payloads. Each payload names the entities a client needs to render
// the event without a round trip; authoritative state is re-read from the
// store after reconnect.

// AuctionStartedPayload accompanies auction.started.
type AuctionStartedPayload struct {
	Auction Auction `json:"auction"`
}

// BidPlacedPayload accompanies auction.bid_placed.
type BidPlacedPayload struct {
	AuctionID  string          `json:"auction_id"`
	BidderID   int64           `json:"bidder_id"`
	Amount     decimal.Decimal `json:"amount"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	EndsAt     time.Time       `json:"ends_at"`
	PlacedAt   time.Time       `json:"placed_at"`
}

// AuctionExtendedPayload accompanies auction.extended.
type AuctionExtendedPayload struct {
	AuctionID     string    `json:"auction_id"`
	EndsAt        time.Time `json:"ends_at"`
	ExtendedCount int       `json:"extended_count"`
}

// AuctionEndedPayload accompanies auction.ended.
type AuctionEndedPayload struct {
	AuctionID  string           `json:"auction_id"`
	WinnerID   *int64           `json:"winner_id,omitempty"`
	FinalPrice *decimal.Decimal `json:"final_price,omitempty"`
}

// AuctionCancelledPayload accompanies auction.cancelled.
type AuctionCancelledPayload struct {
	AuctionID string `json:"auction_id"`
}

// ProductHighlightPayload accompanies product.highlighted and
// product.unhighlighted; Product is nil on unhighlight.
type ProductHighlightPayload struct {
	Product *Product `json:"product,omitempty"`
}

// ChatMessagePayload accompanies chat.message. AuthorName is resolved at
// send time so clients render the line without a user lookup.
type ChatMessagePayload struct {
	Message    Message `json:"message"`
	AuthorName string  `json:"author_name,omitempty"`
}

// ParticipantPayload accompanies participant.joined and participant.left.
type ParticipantPayload struct {
	UserID int64 `json:"user_id"`
}

// OrderCreatedPayload accompanies order.created.
type OrderCreatedPayload struct {
	Order Order `json:"order"`
}

// OrderExpiredPayload accompanies order.expired.
type OrderExpiredPayload struct {
	OrderID   string `json:"order_id"`
	AuctionID string `json:"auction_id"`
}

// MarshalPayload encodes a payload for the envelope.
func MarshalPayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New("schema/event", errs.CodeInternal, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	return data, nil
}
