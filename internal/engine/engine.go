// Package engine owns the auction state machine, channel lifecycle, chat,
// and order transitions. Commands enter here after authentication; every
// state change is committed through the store first and published on the
// event bus second.
package engine

import (
	"time"

	"github.com/streambid/streambid/internal/domain/store"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
)

// Settings carries the tunables the engine applies.
type Settings struct {
	// ExtendWindow is the anti-snipe threshold: bids landing within this
	// distance of ends_at extend the auction.
	ExtendWindow time.Duration
	// ExtendBy is the anti-snipe extension applied from the bid time.
	ExtendBy time.Duration
	// PaymentWindow is the offset applied to new orders' payment deadline.
	PaymentWindow time.Duration
	// PlatformFeeBPS is the platform cut in basis points.
	PlatformFeeBPS int64
	// MessageMaxLen bounds chat message length in runes.
	MessageMaxLen int
}

func (s Settings) normalize() Settings {
	if s.ExtendWindow <= 0 {
		s.ExtendWindow = 30 * time.Second
	}
	if s.ExtendBy <= 0 {
		s.ExtendBy = 30 * time.Second
	}
	if s.PaymentWindow <= 0 {
		s.PaymentWindow = 48 * time.Hour
	}
	if s.PlatformFeeBPS < 0 {
		s.PlatformFeeBPS = 700
	}
	if s.MessageMaxLen <= 0 {
		s.MessageMaxLen = 500
	}
	return s
}

// Stores bundles the persistence surfaces the engine consumes.
type Stores struct {
	Users    store.UserStore
	Channels store.ChannelStore
	Products store.ProductStore
	Auctions store.AuctionStore
	Orders   store.OrderStore
	Messages store.MessageStore
}

// Engine coordinates state transitions between the store and the event bus.
type Engine struct {
	stores   Stores
	bus      eventbus.Publisher
	settings Settings
	locks    *keyedMutex
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock; tests pin time with this.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine.
func New(stores Stores, bus eventbus.Publisher, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		stores:   stores,
		bus:      bus,
		settings: settings.normalize(),
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}
