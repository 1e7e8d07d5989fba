package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/domain/store"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
)

// memStore is an in-memory implementation of every store interface, good
// enough to drive the engine through its transitions.
type memStore struct {
	mu        sync.Mutex
	users     map[int64]schema.User
	channels  map[int64]schema.Channel
	products  map[int64]schema.Product
	auctions  map[string]schema.Auction
	bids      map[string][]schema.Bid
	orders    map[string]schema.Order
	messages  map[string]schema.Message
	deadlines map[string]time.Time
	nextChan  int64
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[int64]schema.User),
		channels:  make(map[int64]schema.Channel),
		products:  make(map[int64]schema.Product),
		auctions:  make(map[string]schema.Auction),
		bids:      make(map[string][]schema.Bid),
		orders:    make(map[string]schema.Order),
		messages:  make(map[string]schema.Message),
		deadlines: make(map[string]time.Time),
	}
}

func deadlineKey(kind schema.DeadlineKind, target string) string {
	return string(kind) + ":" + target
}

func (s *memStore) GetUser(_ context.Context, id int64) (schema.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return schema.User{}, errs.New("mem/user", errs.CodeNotFound, errs.WithMessage("user not found"))
	}
	return u, nil
}

func (s *memStore) CreateChannel(_ context.Context, channel schema.Channel) (schema.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChan++
	channel.ID = s.nextChan
	s.channels[channel.ID] = channel
	return channel, nil
}

func (s *memStore) GetChannel(_ context.Context, id int64) (schema.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return schema.Channel{}, errs.New("mem/channel", errs.CodeNotFound, errs.WithMessage("channel not found"))
	}
	return ch, nil
}

func (s *memStore) TransitionChannel(_ context.Context, id int64, from, to schema.ChannelStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok || ch.Status != from {
		return false, nil
	}
	ch.Status = to
	switch to {
	case schema.ChannelActive:
		ch.StartedAt = &at
	case schema.ChannelEnded:
		ch.EndedAt = &at
	}
	s.channels[id] = ch
	return true, nil
}

func (s *memStore) SetHighlight(_ context.Context, channelID int64, productID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return errs.New("mem/channel", errs.CodeNotFound, errs.WithMessage("channel not found"))
	}
	ch.HighlightedProductID = productID
	s.channels[channelID] = ch
	return nil
}

func (s *memStore) GetProduct(_ context.Context, id int64) (schema.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return schema.Product{}, errs.New("mem/product", errs.CodeNotFound, errs.WithMessage("product not found"))
	}
	return p, nil
}

func (s *memStore) CreateAuction(_ context.Context, auction schema.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.auctions {
		if a.ChannelID == auction.ChannelID && !a.Status.Terminal() {
			return errs.New("mem/auction", errs.CodeConflict, errs.WithReason("auction_in_progress"))
		}
	}
	s.auctions[auction.ID] = auction
	s.deadlines[deadlineKey(schema.DeadlineAuctionClose, auction.ID)] = auction.EndsAt
	return nil
}

func (s *memStore) GetAuction(_ context.Context, id string) (schema.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return schema.Auction{}, errs.New("mem/auction", errs.CodeNotFound, errs.WithMessage("auction not found"))
	}
	return a, nil
}

func (s *memStore) ActiveAuctionByChannel(_ context.Context, channelID int64) (schema.Auction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.auctions {
		if a.ChannelID == channelID && a.Status == schema.AuctionActive {
			return a, true, nil
		}
	}
	return schema.Auction{}, false, nil
}

// memTx buffers mutations and applies them only when fn returns nil,
// mirroring the transactional contract.
type memTx struct {
	auction schema.Auction
	apply   []func(*memStore)
}

func (t *memTx) Auction() schema.Auction { return t.auction }

func (t *memTx) InsertBid(_ context.Context, bid schema.Bid) error {
	t.apply = append(t.apply, func(s *memStore) {
		s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], bid)
	})
	return nil
}

func (t *memTx) UpdateAuction(_ context.Context, auction schema.Auction) error {
	t.apply = append(t.apply, func(s *memStore) {
		s.auctions[auction.ID] = auction
	})
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order schema.Order) error {
	t.apply = append(t.apply, func(s *memStore) {
		s.orders[order.ID] = order
	})
	return nil
}

func (t *memTx) ScheduleDeadline(_ context.Context, kind schema.DeadlineKind, targetID string, fireAt time.Time) error {
	t.apply = append(t.apply, func(s *memStore) {
		s.deadlines[deadlineKey(kind, targetID)] = fireAt
	})
	return nil
}

func (t *memTx) RescheduleDeadline(_ context.Context, kind schema.DeadlineKind, targetID string, fireAt time.Time) error {
	t.apply = append(t.apply, func(s *memStore) {
		s.deadlines[deadlineKey(kind, targetID)] = fireAt
	})
	return nil
}

func (t *memTx) CancelDeadline(_ context.Context, kind schema.DeadlineKind, targetID string) error {
	t.apply = append(t.apply, func(s *memStore) {
		delete(s.deadlines, deadlineKey(kind, targetID))
	})
	return nil
}

func (s *memStore) WithAuction(ctx context.Context, auctionID string, fn func(ctx context.Context, tx store.AuctionTx) error) error {
	s.mu.Lock()
	a, ok := s.auctions[auctionID]
	s.mu.Unlock()
	if !ok {
		return errs.New("mem/auction", errs.CodeNotFound, errs.WithMessage("auction not found"))
	}
	tx := &memTx{auction: a}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, apply := range tx.apply {
		apply(s)
	}
	return nil
}

func (s *memStore) GetOrder(_ context.Context, id string) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return schema.Order{}, errs.New("mem/order", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return o, nil
}

func (s *memStore) ListOrdersByBuyer(_ context.Context, buyerID int64, limit int) ([]schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Order
	for _, o := range s.orders {
		if o.BuyerID == buyerID && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) MarkOrderPaid(_ context.Context, id string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != schema.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = schema.PaymentPaid
	o.PaidAt = &paidAt
	s.orders[id] = o
	if a, ok := s.auctions[o.AuctionID]; ok {
		a.Status = schema.AuctionPaid
		s.auctions[o.AuctionID] = a
	}
	delete(s.deadlines, deadlineKey(schema.DeadlinePaymentExpire, id))
	return true, nil
}

func (s *memStore) ExpireOrder(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != schema.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = schema.PaymentFailed
	s.orders[id] = o
	return true, nil
}

func (s *memStore) SetOrderShipped(_ context.Context, id string, shippedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != schema.PaymentPaid || o.ShippedAt != nil {
		return false, nil
	}
	o.ShippedAt = &shippedAt
	s.orders[id] = o
	return true, nil
}

func (s *memStore) InsertMessage(_ context.Context, msg schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *memStore) ListMessages(_ context.Context, channelID int64, limit int) ([]schema.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID && m.DeletedAt == nil && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) SoftDeleteMessage(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return errs.New("mem/message", errs.CodeNotFound, errs.WithMessage("message not found"))
	}
	m.DeletedAt = &at
	s.messages[id] = m
	return nil
}

func (s *memStore) deadlineAt(kind schema.DeadlineKind, target string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.deadlines[deadlineKey(kind, target)]
	return at, ok
}

// captureBus records published events instead of delivering them.
type captureBus struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	topic   eventbus.Topic
	kind    schema.EventKind
	payload any
}

func (b *captureBus) Publish(_ context.Context, topic eventbus.Topic, kind schema.EventKind, _ int64, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{topic: topic, kind: kind, payload: payload})
	return nil
}

func (b *captureBus) kinds() []schema.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.EventKind, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.kind)
	}
	return out
}

func (b *captureBus) payloadAt(i int) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.events) {
		return nil
	}
	return b.events[i].payload
}

func (b *captureBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

type fixture struct {
	store     *memStore
	bus       *captureBus
	eng       *Engine
	clock     time.Time
	channelID int64
}

const (
	sellerID = int64(1)
	buyerID  = int64(2)
	rivalID  = int64(3)
)

func seller() auth.Identity {
	return auth.Identity{UserID: sellerID, Roles: []schema.Role{schema.RoleSeller, schema.RoleBuyer}}
}

func buyer(id int64) auth.Identity {
	return auth.Identity{UserID: id, Roles: []schema.Role{schema.RoleBuyer}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		bus:   new(captureBus),
		clock: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
	}
	f.eng = New(Stores{
		Users:    f.store,
		Channels: f.store,
		Products: f.store,
		Auctions: f.store,
		Orders:   f.store,
		Messages: f.store,
	}, f.bus, Settings{
		ExtendWindow:   30 * time.Second,
		ExtendBy:       30 * time.Second,
		PaymentWindow:  48 * time.Hour,
		PlatformFeeBPS: 700,
		MessageMaxLen:  500,
	}, WithClock(func() time.Time { return f.clock }))

	f.store.users[sellerID] = schema.User{ID: sellerID, DisplayName: "host", Roles: []schema.Role{schema.RoleSeller, schema.RoleBuyer}}
	f.store.users[buyerID] = schema.User{ID: buyerID, DisplayName: "bidder", Roles: []schema.Role{schema.RoleBuyer}}
	f.store.users[rivalID] = schema.User{ID: rivalID, DisplayName: "rival", Roles: []schema.Role{schema.RoleBuyer}}
	f.store.products[10] = schema.Product{ID: 10, ShopID: 1, Name: "vintage jacket", Price: decimal.RequireFromString("50.00"), IsActive: true}
	f.store.products[11] = schema.Product{ID: 11, ShopID: 1, Name: "retired item", Price: decimal.RequireFromString("20.00"), IsActive: false}

	ch, err := f.store.CreateChannel(context.Background(), schema.Channel{
		HostID: sellerID, Title: "friday drop", Status: schema.ChannelActive, CreatedAt: f.clock,
	})
	require.NoError(t, err)
	f.channelID = ch.ID
	return f
}

func (f *fixture) startAuction(t *testing.T, duration int, buyout *decimal.Decimal) schema.Auction {
	t.Helper()
	a, err := f.eng.StartAuction(context.Background(), seller(), StartAuctionInput{
		ChannelID:       f.channelID,
		ProductID:       10,
		DurationSeconds: duration,
		BuyoutPrice:     buyout,
	})
	require.NoError(t, err)
	f.bus.reset()
	return a
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStartAuction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.eng.StartAuction(ctx, seller(), StartAuctionInput{
		ChannelID: f.channelID, ProductID: 10, DurationSeconds: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionActive, a.Status)
	assert.True(t, a.StartingPrice.Equal(dec("50.00")))
	assert.True(t, a.CurrentBid.Equal(dec("50.00")))
	assert.Equal(t, f.clock.Add(5*time.Minute), a.EndsAt)
	assert.Nil(t, a.HighestBidderID)

	fireAt, ok := f.store.deadlineAt(schema.DeadlineAuctionClose, a.ID)
	require.True(t, ok)
	assert.Equal(t, a.EndsAt, fireAt)
	assert.Equal(t, []schema.EventKind{schema.EventAuctionStarted}, f.bus.kinds())

	_, err = f.eng.StartAuction(ctx, seller(), StartAuctionInput{
		ChannelID: f.channelID, ProductID: 10, DurationSeconds: 300,
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestStartAuctionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   StartAuctionInput
		who  auth.Identity
		code errs.Code
	}{
		{"buyer cannot start", StartAuctionInput{ChannelID: f.channelID, ProductID: 10, DurationSeconds: 300}, buyer(buyerID), errs.CodeForbidden},
		{"bad duration", StartAuctionInput{ChannelID: f.channelID, ProductID: 10, DurationSeconds: 90}, seller(), errs.CodeInvalid},
		{"inactive product", StartAuctionInput{ChannelID: f.channelID, ProductID: 11, DurationSeconds: 300}, seller(), errs.CodeConflict},
		{"missing product", StartAuctionInput{ChannelID: f.channelID, ProductID: 99, DurationSeconds: 300}, seller(), errs.CodeNotFound},
		{"buyout at starting price", StartAuctionInput{ChannelID: f.channelID, ProductID: 10, DurationSeconds: 300, BuyoutPrice: ptr(dec("50.00"))}, seller(), errs.CodeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.StartAuction(ctx, tc.who, tc.in)
			require.Error(t, err)
			assert.Equal(t, tc.code, errs.CodeOf(err))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestPlaceBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	got, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.NoError(t, err)
	assert.True(t, got.CurrentBid.Equal(dec("51.00")))
	require.NotNil(t, got.HighestBidderID)
	assert.Equal(t, buyerID, *got.HighestBidderID)
	assert.Equal(t, a.EndsAt, got.EndsAt)
	assert.Equal(t, []schema.EventKind{schema.EventAuctionBidPlaced}, f.bus.kinds())
}

func TestPlaceBidBelowMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	_, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.NoError(t, err)

	// Equal to the current bid: loses the increment race.
	_, err = f.eng.PlaceBid(ctx, buyer(rivalID), a.ID, dec("51.00"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
	assert.Equal(t, "bid_below_minimum", errs.ReasonOf(err))

	// Fractional increment below the whole-unit minimum.
	_, err = f.eng.PlaceBid(ctx, buyer(rivalID), a.ID, dec("51.50"))
	require.Error(t, err)
	assert.Equal(t, "bid_below_minimum", errs.ReasonOf(err))
}

func TestPlaceBidRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	_, err := f.eng.PlaceBid(ctx, seller(), a.ID, dec("51.00"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))
	assert.Equal(t, "seller_cannot_bid", errs.ReasonOf(err))

	// Seller-only accounts cannot bid anywhere, even on others' auctions.
	merchant := auth.Identity{UserID: 77, Roles: []schema.Role{schema.RoleSeller}}
	_, err = f.eng.PlaceBid(ctx, merchant, a.ID, dec("51.00"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	_, err = f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("-5"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.001"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	f.clock = a.EndsAt
	_, err = f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.Error(t, err)
	assert.Equal(t, "auction_ended", errs.ReasonOf(err))
}

func TestAntiSnipeExtension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	// Bid 10 seconds before the end: inside the 30s window.
	f.clock = a.EndsAt.Add(-10 * time.Second)
	got, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Add(30*time.Second), got.EndsAt)
	assert.Equal(t, 1, got.ExtendedCount)
	assert.True(t, got.EndsAt.After(a.EndsAt), "ends_at must not move backwards")

	fireAt, ok := f.store.deadlineAt(schema.DeadlineAuctionClose, a.ID)
	require.True(t, ok)
	assert.Equal(t, got.EndsAt, fireAt)
	assert.Equal(t, []schema.EventKind{schema.EventAuctionBidPlaced, schema.EventAuctionExtended}, f.bus.kinds())

	// A second snipe extends again; extensions are unlimited.
	f.clock = got.EndsAt.Add(-5 * time.Second)
	again, err := f.eng.PlaceBid(ctx, buyer(rivalID), a.ID, dec("52.00"))
	require.NoError(t, err)
	assert.Equal(t, 2, again.ExtendedCount)
	assert.True(t, again.EndsAt.After(got.EndsAt))
}

func TestDeadlineCloseLosesToExtension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	f.clock = a.EndsAt.Add(-10 * time.Second)
	got, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.NoError(t, err)
	require.True(t, got.EndsAt.After(a.EndsAt))
	f.bus.reset()

	// The original deadline fires after the snipe pushed ends_at out: the
	// close is refused and the auction stays live for the winner race.
	f.clock = a.EndsAt
	err = f.eng.CloseByDeadline(ctx, a.ID)
	require.Error(t, err)
	assert.Equal(t, "not_yet_due", errs.ReasonOf(err))

	cur, err := f.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionActive, cur.Status)
	assert.Empty(t, f.bus.kinds())
	assert.Empty(t, f.store.orders)

	// At the extended ends_at the close goes through.
	f.clock = got.EndsAt
	require.NoError(t, f.eng.CloseByDeadline(ctx, a.ID))
	cur, err = f.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, cur.Status)
	assert.Len(t, f.store.orders, 1)
}

func TestBidOutsideWindowDoesNotExtend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	f.clock = a.EndsAt.Add(-31 * time.Second)
	got, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.NoError(t, err)
	assert.Equal(t, a.EndsAt, got.EndsAt)
	assert.Equal(t, 0, got.ExtendedCount)
}

func TestBuyoutEndsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, ptr(dec("100.00")))

	got, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("100.00"))
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)
	assert.True(t, got.CurrentBid.Equal(dec("100.00")))

	kinds := f.bus.kinds()
	require.Len(t, kinds, 4)
	assert.Equal(t, schema.EventAuctionBidPlaced, kinds[0])
	assert.Equal(t, schema.EventAuctionEnded, kinds[1])
	assert.Equal(t, schema.EventOrderCreated, kinds[2])
	assert.Equal(t, schema.EventOrderCreated, kinds[3])

	_, ok := f.store.deadlineAt(schema.DeadlineAuctionClose, a.ID)
	assert.False(t, ok, "close deadline must be cancelled on buyout")

	require.Len(t, f.store.orders, 1)
	for _, o := range f.store.orders {
		assert.True(t, o.FinalPrice.Equal(dec("100.00")))
		assert.True(t, o.PlatformFee.Equal(dec("7.00")))
		assert.True(t, o.SellerPayout.Equal(dec("93.00")))
		assert.Equal(t, schema.PaymentPending, o.PaymentStatus)
		require.NotNil(t, o.PaymentDeadline)
		assert.Equal(t, f.clock.Add(48*time.Hour), *o.PaymentDeadline)
		_, ok := f.store.deadlineAt(schema.DeadlinePaymentExpire, o.ID)
		assert.True(t, ok)
	}

	// Auction is terminal; a straggler bid loses.
	_, err = f.eng.PlaceBid(ctx, buyer(rivalID), a.ID, dec("101.00"))
	require.Error(t, err)
	assert.Equal(t, "auction_ended", errs.ReasonOf(err))
}

func TestBuyoutOvershootUsesBidAmount(t *testing.T) {
	f := newFixture(t)
	a := f.startAuction(t, 300, ptr(dec("100.00")))

	got, err := f.eng.PlaceBid(context.Background(), buyer(buyerID), a.ID, dec("120.00"))
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)
	assert.True(t, got.CurrentBid.Equal(dec("120.00")))
}

func TestBuyoutHelper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, ptr(dec("100.00")))

	merchant := auth.Identity{UserID: 77, Roles: []schema.Role{schema.RoleSeller}}
	_, err := f.eng.Buyout(ctx, merchant, a.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	got, err := f.eng.Buyout(ctx, buyer(buyerID), a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)

	plain := f.startAuctionOnFreshChannel(t, nil)
	_, err = f.eng.Buyout(ctx, buyer(buyerID), plain.ID)
	require.Error(t, err)
	assert.Equal(t, "no_buyout", errs.ReasonOf(err))
}

// startAuctionOnFreshChannel spins up a second live channel so a second
// auction can run concurrently.
func (f *fixture) startAuctionOnFreshChannel(t *testing.T, buyout *decimal.Decimal) schema.Auction {
	t.Helper()
	ch, err := f.store.CreateChannel(context.Background(), schema.Channel{
		HostID: sellerID, Title: "second room", Status: schema.ChannelActive, CreatedAt: f.clock,
	})
	require.NoError(t, err)
	a, err := f.eng.StartAuction(context.Background(), seller(), StartAuctionInput{
		ChannelID: ch.ID, ProductID: 10, DurationSeconds: 300, BuyoutPrice: buyout,
	})
	require.NoError(t, err)
	f.bus.reset()
	return a
}

func TestCloseWithWinnerCreatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	_, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("62.00"))
	require.NoError(t, err)
	f.bus.reset()

	f.clock = a.EndsAt
	require.NoError(t, f.eng.CloseByDeadline(ctx, a.ID))

	got, err := f.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)

	require.Len(t, f.store.orders, 1)
	for _, o := range f.store.orders {
		assert.Equal(t, buyerID, o.BuyerID)
		assert.Equal(t, sellerID, o.SellerID)
		assert.True(t, o.FinalPrice.Equal(dec("62.00")))
		assert.True(t, o.PlatformFee.Equal(dec("4.34")))
		assert.True(t, o.SellerPayout.Equal(dec("57.66")))
	}
	kinds := f.bus.kinds()
	require.Len(t, kinds, 3)
	assert.Equal(t, schema.EventAuctionEnded, kinds[0])
	assert.Equal(t, schema.EventOrderCreated, kinds[1])

	// Second close is a no-op: no new order, no events.
	f.bus.reset()
	require.NoError(t, f.eng.CloseByDeadline(ctx, a.ID))
	assert.Empty(t, f.bus.kinds())
	assert.Len(t, f.store.orders, 1)
}

func TestCloseWithoutBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	f.clock = a.EndsAt
	require.NoError(t, f.eng.CloseByDeadline(ctx, a.ID))

	got, err := f.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)
	assert.Empty(t, f.store.orders)
	assert.Equal(t, []schema.EventKind{schema.EventAuctionEnded}, f.bus.kinds())
}

func TestCloseEarlyPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	_, err := f.eng.CloseEarly(ctx, buyer(buyerID), a.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	got, err := f.eng.CloseEarly(ctx, seller(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	require.NoError(t, f.eng.Cancel(ctx, seller(), a.ID))
	got, err := f.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionCancelled, got.Status)
	_, ok := f.store.deadlineAt(schema.DeadlineAuctionClose, a.ID)
	assert.False(t, ok)
	assert.Equal(t, []schema.EventKind{schema.EventAuctionCancelled}, f.bus.kinds())
}

func TestCancelRejectedAfterBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	_, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("51.00"))
	require.NoError(t, err)

	err = f.eng.Cancel(ctx, seller(), a.ID)
	require.Error(t, err)
	assert.Equal(t, "bids_placed", errs.ReasonOf(err))
}

func TestChannelLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, err := f.eng.CreateChannel(ctx, seller(), "  saturday drop  ")
	require.NoError(t, err)
	assert.Equal(t, schema.ChannelScheduled, ch.Status)
	assert.Equal(t, "saturday drop", ch.Title)

	_, err = f.eng.CreateChannel(ctx, buyer(buyerID), "nope")
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	live, err := f.eng.StartChannel(ctx, seller(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChannelActive, live.Status)

	_, err = f.eng.StartChannel(ctx, seller(), ch.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	ended, err := f.eng.EndChannel(ctx, seller(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChannelEnded, ended.Status)
}

func TestEndChannelClosesActiveAuction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.startAuction(t, 300, nil)

	_, err := f.eng.PlaceBid(ctx, buyer(buyerID), a.ID, dec("55.00"))
	require.NoError(t, err)

	_, err = f.eng.EndChannel(ctx, seller(), f.channelID)
	require.NoError(t, err)

	got, err := f.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionEnded, got.Status)
	assert.Len(t, f.store.orders, 1)
}

func TestHighlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.Highlight(ctx, seller(), f.channelID, 10))
	ch, err := f.store.GetChannel(ctx, f.channelID)
	require.NoError(t, err)
	require.NotNil(t, ch.HighlightedProductID)
	assert.Equal(t, int64(10), *ch.HighlightedProductID)

	err = f.eng.Highlight(ctx, seller(), f.channelID, 11)
	require.Error(t, err)
	assert.Equal(t, "product_inactive", errs.ReasonOf(err))

	require.NoError(t, f.eng.Unhighlight(ctx, seller(), f.channelID))
	ch, err = f.store.GetChannel(ctx, f.channelID)
	require.NoError(t, err)
	assert.Nil(t, ch.HighlightedProductID)

	assert.Equal(t, []schema.EventKind{schema.EventProductHighlighted, schema.EventProductUnhighlight}, f.bus.kinds())
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.eng.SendMessage(ctx, buyer(buyerID), f.channelID, "  <b>hello</b>  ")
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;hello&lt;/b&gt;", msg.Content)
	assert.Equal(t, []schema.EventKind{schema.EventChatMessage}, f.bus.kinds())

	payload, ok := f.bus.payloadAt(0).(schema.ChatMessagePayload)
	require.True(t, ok)
	assert.Equal(t, msg.ID, payload.Message.ID)
	assert.Equal(t, "bidder", payload.AuthorName)

	_, err = f.eng.SendMessage(ctx, buyer(buyerID), f.channelID, "   ")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSendMessageChannelNotLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, err := f.eng.CreateChannel(ctx, seller(), "not started")
	require.NoError(t, err)

	_, err = f.eng.SendMessage(ctx, buyer(buyerID), ch.ID, "hello")
	require.Error(t, err)
	assert.Equal(t, "channel_not_live", errs.ReasonOf(err))
}

func TestDeleteMessageEmitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.eng.SendMessage(ctx, buyer(buyerID), f.channelID, "delete me")
	require.NoError(t, err)
	f.bus.reset()

	err = f.eng.DeleteMessage(ctx, buyer(buyerID), f.channelID, msg.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	require.NoError(t, f.eng.DeleteMessage(ctx, seller(), f.channelID, msg.ID))
	assert.Empty(t, f.bus.kinds())

	msgs, err := f.eng.ListMessages(ctx, f.channelID, 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func wonOrder(t *testing.T, f *fixture) schema.Order {
	t.Helper()
	a := f.startAuction(t, 300, nil)
	_, err := f.eng.PlaceBid(context.Background(), buyer(buyerID), a.ID, dec("60.00"))
	require.NoError(t, err)
	f.clock = a.EndsAt
	require.NoError(t, f.eng.CloseByDeadline(context.Background(), a.ID))
	f.bus.reset()
	for _, o := range f.store.orders {
		return o
	}
	t.Fatal("no order created")
	return schema.Order{}
}

func TestMarkOrderPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := wonOrder(t, f)

	_, err := f.eng.MarkOrderPaid(ctx, buyer(rivalID), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	paid, err := f.eng.MarkOrderPaid(ctx, buyer(buyerID), order.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.PaymentPaid, paid.PaymentStatus)
	require.NotNil(t, paid.PaidAt)

	a, err := f.store.GetAuction(ctx, order.AuctionID)
	require.NoError(t, err)
	assert.Equal(t, schema.AuctionPaid, a.Status)

	_, ok := f.store.deadlineAt(schema.DeadlinePaymentExpire, order.ID)
	assert.False(t, ok, "payment deadline removed on pay")

	_, err = f.eng.MarkOrderPaid(ctx, buyer(buyerID), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestExpireOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := wonOrder(t, f)

	require.NoError(t, f.eng.ExpireOrder(ctx, order.ID))
	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, []schema.EventKind{schema.EventOrderExpired, schema.EventOrderExpired}, f.bus.kinds())

	// Paying after expiry loses the race.
	_, err = f.eng.MarkOrderPaid(ctx, buyer(buyerID), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestExpireOrderAlreadyPaidIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := wonOrder(t, f)

	_, err := f.eng.MarkOrderPaid(ctx, buyer(buyerID), order.ID)
	require.NoError(t, err)
	f.bus.reset()

	require.NoError(t, f.eng.ExpireOrder(ctx, order.ID))
	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.PaymentPaid, got.PaymentStatus)
	assert.Empty(t, f.bus.kinds())
}

func TestMarkOrderShipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := wonOrder(t, f)

	_, err := f.eng.MarkOrderShipped(ctx, seller(), order.ID)
	require.Error(t, err)
	assert.Equal(t, "order_not_paid", errs.ReasonOf(err))

	_, err = f.eng.MarkOrderPaid(ctx, buyer(buyerID), order.ID)
	require.NoError(t, err)

	_, err = f.eng.MarkOrderShipped(ctx, buyer(buyerID), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	shipped, err := f.eng.MarkOrderShipped(ctx, seller(), order.ID)
	require.NoError(t, err)
	assert.True(t, shipped.Shipped())
}

func TestMarkOrderShippedTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := wonOrder(t, f)

	_, err := f.eng.MarkOrderPaid(ctx, buyer(buyerID), order.ID)
	require.NoError(t, err)

	first, err := f.eng.MarkOrderShipped(ctx, seller(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ShippedAt)

	// A retry must not move shipped_at.
	f.clock = f.clock.Add(time.Hour)
	_, err = f.eng.MarkOrderShipped(ctx, seller(), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
	assert.Equal(t, "order_already_shipped", errs.ReasonOf(err))

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ShippedAt)
	assert.Equal(t, *first.ShippedAt, *got.ShippedAt)
}

func TestOrderVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := wonOrder(t, f)

	_, err := f.eng.GetOrder(ctx, buyer(rivalID), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	got, err := f.eng.GetOrder(ctx, buyer(buyerID), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	list, err := f.eng.ListOrders(ctx, buyer(buyerID), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
