package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/domain/store"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
	"github.com/streambid/streambid/internal/observability"
)

// StartAuctionInput carries the auction.start command parameters.
type StartAuctionInput struct {
	ChannelID       int64
	ProductID       int64
	DurationSeconds int
	BuyoutPrice     *decimal.Decimal
}

// StartAuction creates an auction on an active channel hosted by the caller
// and schedules its close deadline.
func (e *Engine) StartAuction(ctx context.Context, caller auth.Identity, in StartAuctionInput) (schema.Auction, error) {
	const op = "auction/start"
	if !caller.HasRole(schema.RoleSeller) {
		return schema.Auction{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("seller role required"))
	}
	if !schema.ValidDuration(in.DurationSeconds) {
		return schema.Auction{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("duration must be one of 60, 300, 600, 1800 seconds"))
	}

	channel, err := e.stores.Channels.GetChannel(ctx, in.ChannelID)
	if err != nil {
		return schema.Auction{}, err
	}
	if channel.HostID != caller.UserID {
		return schema.Auction{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("only the channel host can start auctions"))
	}
	if channel.Status != schema.ChannelActive {
		return schema.Auction{}, errs.New(op, errs.CodeConflict, errs.WithReason("channel_not_live"), errs.WithMessage("channel is not live"))
	}

	product, err := e.stores.Products.GetProduct(ctx, in.ProductID)
	if err != nil {
		return schema.Auction{}, err
	}
	if !product.IsActive {
		return schema.Auction{}, errs.New(op, errs.CodeConflict, errs.WithReason("product_inactive"), errs.WithMessage("product is not active"))
	}
	if !product.Price.IsPositive() {
		return schema.Auction{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("product price must be positive"))
	}
	if in.BuyoutPrice != nil && !in.BuyoutPrice.GreaterThan(product.Price) {
		return schema.Auction{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("buyout price must exceed the starting price"))
	}

	if _, exists, err := e.stores.Auctions.ActiveAuctionByChannel(ctx, in.ChannelID); err != nil {
		return schema.Auction{}, err
	} else if exists {
		return schema.Auction{}, errs.New(op, errs.CodeConflict, errs.WithReason("auction_in_progress"), errs.WithMessage("channel already has an active auction"))
	}

	now := e.now()
	auction := schema.Auction{
		ID:              uuid.NewString(),
		ChannelID:       channel.ID,
		SellerID:        caller.UserID,
		ProductID:       product.ID,
		ProductName:     product.Name,
		StartingPrice:   product.Price,
		BuyoutPrice:     in.BuyoutPrice,
		CurrentBid:      product.Price,
		HighestBidderID: nil,
		DurationSeconds: in.DurationSeconds,
		Status:          schema.AuctionActive,
		ExtendedCount:   0,
		StartedAt:       now,
		EndsAt:          now.Add(time.Duration(in.DurationSeconds) * time.Second),
	}
	if err := e.stores.Auctions.CreateAuction(ctx, auction); err != nil {
		return schema.Auction{}, err
	}

	e.publish(ctx, auction.ChannelID, schema.EventAuctionStarted, schema.AuctionStartedPayload{Auction: auction})
	return auction, nil
}

// PlaceBid applies the bid acceptance algorithm, serialized per auction id.
func (e *Engine) PlaceBid(ctx context.Context, caller auth.Identity, auctionID string, amount decimal.Decimal) (schema.Auction, error) {
	const op = "auction/bid"
	if !caller.HasRole(schema.RoleBuyer) {
		return schema.Auction{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("buyer role required"))
	}
	if !amount.IsPositive() {
		return schema.Auction{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("bid amount must be positive"))
	}
	if amount.Exponent() < -2 {
		return schema.Auction{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("bid amount supports at most two fractional digits"))
	}

	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var (
		updated  schema.Auction
		bid      schema.Bid
		order    *schema.Order
		extended bool
		buyout   bool
	)
	err := e.stores.Auctions.WithAuction(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()
		if a.Status != schema.AuctionActive {
			return errs.New(op, errs.CodeConflict, errs.WithReason("auction_ended"), errs.WithMessage("auction is no longer active"))
		}
		if caller.UserID == a.SellerID {
			return errs.New(op, errs.CodeForbidden, errs.WithReason("seller_cannot_bid"), errs.WithMessage("sellers cannot bid on their own auctions"))
		}
		now := e.now()
		if !now.Before(a.EndsAt) {
			// The scheduler path closes it; reject rather than race.
			return errs.New(op, errs.CodeConflict, errs.WithReason("auction_ended"), errs.WithMessage("auction has ended"))
		}
		buyout = a.IsBuyout(amount)
		if !buyout && amount.LessThan(a.MinNextBid()) {
			return errs.New(op, errs.CodeConflict, errs.WithReason("bid_below_minimum"),
				errs.WithMessage("bid must be at least "+a.MinNextBid().StringFixed(2)))
		}

		bid = schema.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BidderID:  caller.UserID,
			Amount:    amount,
			PlacedAt:  now,
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}

		bidder := caller.UserID
		a.CurrentBid = amount
		a.HighestBidderID = &bidder

		if buyout {
			a.Status = schema.AuctionEnded
			if err := tx.UpdateAuction(ctx, a); err != nil {
				return err
			}
			created, err := e.issueOrder(ctx, tx, a, now)
			if err != nil {
				return err
			}
			order = &created
			updated = a
			return nil
		}

		if a.EndsAt.Sub(now) <= e.settings.ExtendWindow {
			// ends_at stays monotone even when the extension is shorter
			// than the remaining window.
			if next := now.Add(e.settings.ExtendBy); next.After(a.EndsAt) {
				a.EndsAt = next
			}
			a.ExtendedCount++
			extended = true
			if err := tx.RescheduleDeadline(ctx, schema.DeadlineAuctionClose, a.ID, a.EndsAt); err != nil {
				return err
			}
		}
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return schema.Auction{}, err
	}

	e.publish(ctx, updated.ChannelID, schema.EventAuctionBidPlaced, schema.BidPlacedPayload{
		AuctionID:  updated.ID,
		BidderID:   bid.BidderID,
		Amount:     bid.Amount,
		CurrentBid: updated.CurrentBid,
		EndsAt:     updated.EndsAt,
		PlacedAt:   bid.PlacedAt,
	})
	if extended {
		e.publish(ctx, updated.ChannelID, schema.EventAuctionExtended, schema.AuctionExtendedPayload{
			AuctionID:     updated.ID,
			EndsAt:        updated.EndsAt,
			ExtendedCount: updated.ExtendedCount,
		})
	}
	if buyout {
		e.publishClose(ctx, updated, order)
	}
	return updated, nil
}

// Buyout places a bid at exactly the auction's buyout price.
func (e *Engine) Buyout(ctx context.Context, caller auth.Identity, auctionID string) (schema.Auction, error) {
	auction, err := e.stores.Auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return schema.Auction{}, err
	}
	if auction.BuyoutPrice == nil {
		return schema.Auction{}, errs.New("auction/buyout", errs.CodeConflict, errs.WithReason("no_buyout"), errs.WithMessage("auction has no buyout price"))
	}
	return e.PlaceBid(ctx, caller, auctionID, *auction.BuyoutPrice)
}

// CloseEarly ends an active auction ahead of schedule. Permitted to the
// auction's seller and the hosting channel's host.
func (e *Engine) CloseEarly(ctx context.Context, caller auth.Identity, auctionID string) (schema.Auction, error) {
	const op = "auction/close_early"
	auction, err := e.stores.Auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return schema.Auction{}, err
	}
	if caller.UserID != auction.SellerID {
		channel, err := e.stores.Channels.GetChannel(ctx, auction.ChannelID)
		if err != nil {
			return schema.Auction{}, err
		}
		if caller.UserID != channel.HostID {
			return schema.Auction{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("only the seller or channel host can close the auction"))
		}
	}
	return e.close(ctx, auctionID, false)
}

// CloseByDeadline is the scheduler callback for auction_close deadlines.
// Idempotent: closing an already-terminal auction is a no-op. When an
// anti-snipe extension moved ends_at past the deadline that fired, the
// close is refused with reason not_yet_due and the auction stays active;
// the rescheduled deadline row covers the new ends_at.
func (e *Engine) CloseByDeadline(ctx context.Context, auctionID string) error {
	_, err := e.close(ctx, auctionID, true)
	return err
}

// Cancel voids an active auction before any bid was accepted.
func (e *Engine) Cancel(ctx context.Context, caller auth.Identity, auctionID string) error {
	const op = "auction/cancel"

	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var cancelled schema.Auction
	err := e.stores.Auctions.WithAuction(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()
		if a.Status != schema.AuctionActive {
			return errs.New(op, errs.CodeConflict, errs.WithReason("auction_ended"), errs.WithMessage("auction is no longer active"))
		}
		if caller.UserID != a.SellerID {
			return errs.New(op, errs.CodeForbidden, errs.WithMessage("only the seller can cancel the auction"))
		}
		if a.HasWinner() {
			return errs.New(op, errs.CodeConflict, errs.WithReason("bids_placed"), errs.WithMessage("auction already has bids"))
		}
		a.Status = schema.AuctionCancelled
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		if err := tx.CancelDeadline(ctx, schema.DeadlineAuctionClose, a.ID); err != nil {
			return err
		}
		cancelled = a
		return nil
	})
	if err != nil {
		return err
	}

	e.publish(ctx, cancelled.ChannelID, schema.EventAuctionCancelled, schema.AuctionCancelledPayload{AuctionID: cancelled.ID})
	return nil
}

// GetAuction returns the auction snapshot clients re-read after reconnect.
func (e *Engine) GetAuction(ctx context.Context, auctionID string) (schema.Auction, error) {
	return e.stores.Auctions.GetAuction(ctx, auctionID)
}

// errAlreadyTerminal signals an idempotent close hit; never surfaced.
var errAlreadyTerminal = errs.New("auction/close", errs.CodeConflict, errs.WithReason("already_terminal"))

// errNotYetDue reports a deadline-driven close that lost to an anti-snipe
// extension: ends_at moved into the future, so the auction must stay open.
// The scheduler recognizes the not_yet_due reason and leaves the
// rescheduled deadline row alone.
var errNotYetDue = errs.New("auction/close", errs.CodeConflict, errs.WithReason("not_yet_due"),
	errs.WithMessage("auction end was extended past the fired deadline"))

// close runs the close algorithm under the auction lock. Calling close on
// an already-terminal auction returns the auction unchanged and publishes
// nothing. deadlineDriven closes re-check ends_at against the clock, since
// a bid may have extended the auction after the deadline was swept.
func (e *Engine) close(ctx context.Context, auctionID string, deadlineDriven bool) (schema.Auction, error) {
	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var (
		closed schema.Auction
		order  *schema.Order
	)
	err := e.stores.Auctions.WithAuction(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()
		if a.Status.Terminal() {
			closed = a
			return errAlreadyTerminal
		}
		now := e.now()
		if deadlineDriven && now.Before(a.EndsAt) {
			return errNotYetDue
		}
		a.Status = schema.AuctionEnded
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		if a.HasWinner() {
			created, err := e.issueOrder(ctx, tx, a, now)
			if err != nil {
				return err
			}
			order = &created
		} else if err := tx.CancelDeadline(ctx, schema.DeadlineAuctionClose, a.ID); err != nil {
			return err
		}
		closed = a
		return nil
	})
	if err != nil {
		if err == errAlreadyTerminal { //nolint:errorlint
			return closed, nil
		}
		return schema.Auction{}, err
	}

	e.publishClose(ctx, closed, order)
	return closed, nil
}

// issueOrder creates the order for a won auction inside the closing
// transaction: fee split, payment deadline, deadline bookkeeping.
func (e *Engine) issueOrder(ctx context.Context, tx store.AuctionTx, a schema.Auction, now time.Time) (schema.Order, error) {
	fee, payout := schema.SplitPrice(a.CurrentBid, e.settings.PlatformFeeBPS)
	deadline := now.Add(e.settings.PaymentWindow)
	order := schema.Order{
		ID:              uuid.NewString(),
		AuctionID:       a.ID,
		ChannelID:       a.ChannelID,
		BuyerID:         *a.HighestBidderID,
		SellerID:        a.SellerID,
		ProductID:       a.ProductID,
		FinalPrice:      a.CurrentBid,
		PlatformFee:     fee,
		SellerPayout:    payout,
		PaymentStatus:   schema.PaymentPending,
		PaymentDeadline: &deadline,
		CreatedAt:       now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return schema.Order{}, err
	}
	if err := tx.CancelDeadline(ctx, schema.DeadlineAuctionClose, a.ID); err != nil {
		return schema.Order{}, err
	}
	if err := tx.ScheduleDeadline(ctx, schema.DeadlinePaymentExpire, order.ID, deadline); err != nil {
		return schema.Order{}, err
	}
	return order, nil
}

// publishClose emits auction.ended and, when a winner exists, order.created
// in that order on the channel topic.
func (e *Engine) publishClose(ctx context.Context, a schema.Auction, order *schema.Order) {
	payload := schema.AuctionEndedPayload{AuctionID: a.ID}
	if order != nil {
		payload.WinnerID = &order.BuyerID
		payload.FinalPrice = &order.FinalPrice
	}
	e.publish(ctx, a.ChannelID, schema.EventAuctionEnded, payload)
	if order != nil {
		e.publish(ctx, a.ChannelID, schema.EventOrderCreated, schema.OrderCreatedPayload{Order: *order})
		e.publishTo(ctx, eventbus.UserTopic(order.BuyerID), schema.EventOrderCreated, order.ChannelID, schema.OrderCreatedPayload{Order: *order})
	}
}

// publish emits on the channel topic; failures are logged, never fatal.
func (e *Engine) publish(ctx context.Context, channelID int64, kind schema.EventKind, payload any) {
	e.publishTo(ctx, eventbus.ChannelTopic(channelID), kind, channelID, payload)
}

func (e *Engine) publishTo(ctx context.Context, topic eventbus.Topic, kind schema.EventKind, channelID int64, payload any) {
	if err := e.bus.Publish(ctx, topic, kind, channelID, payload); err != nil {
		observability.Log().Error("event publish failed",
			observability.String("event_kind", string(kind)),
			observability.String("topic", string(topic)),
			observability.Int64("channel_id", channelID),
			observability.Err(err))
	}
}
