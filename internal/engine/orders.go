package engine

import (
	"context"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
)

// GetOrder returns an order visible to its buyer or seller.
func (e *Engine) GetOrder(ctx context.Context, caller auth.Identity, orderID string) (schema.Order, error) {
	order, err := e.stores.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if caller.UserID != order.BuyerID && caller.UserID != order.SellerID {
		return schema.Order{}, errs.New("order/get", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return order, nil
}

// ListOrders returns the caller's orders as buyer, newest first.
func (e *Engine) ListOrders(ctx context.Context, caller auth.Identity, limit int) ([]schema.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.stores.Orders.ListOrdersByBuyer(ctx, caller.UserID, limit)
}

// MarkOrderPaid settles a pending order. Conditional on payment_status so a
// pay racing the expiry deadline resolves to exactly one outcome.
func (e *Engine) MarkOrderPaid(ctx context.Context, caller auth.Identity, orderID string) (schema.Order, error) {
	const op = "order/pay"
	order, err := e.stores.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if caller.UserID != order.BuyerID {
		return schema.Order{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("only the buyer can pay the order"))
	}
	changed, err := e.stores.Orders.MarkOrderPaid(ctx, orderID, e.now())
	if err != nil {
		return schema.Order{}, err
	}
	if !changed {
		return schema.Order{}, errs.New(op, errs.CodeConflict, errs.WithReason("order_not_pending"),
			errs.WithMessage("order is "+string(order.PaymentStatus)))
	}
	return e.stores.Orders.GetOrder(ctx, orderID)
}

// MarkOrderShipped records shipment on a paid order, exactly once. The
// conditional update keeps the original shipped_at when sellers retry.
func (e *Engine) MarkOrderShipped(ctx context.Context, caller auth.Identity, orderID string) (schema.Order, error) {
	const op = "order/ship"
	order, err := e.stores.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if caller.UserID != order.SellerID {
		return schema.Order{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("only the seller can mark the order shipped"))
	}
	if order.PaymentStatus != schema.PaymentPaid {
		return schema.Order{}, errs.New(op, errs.CodeConflict, errs.WithReason("order_not_paid"), errs.WithMessage("order is not paid"))
	}
	changed, err := e.stores.Orders.SetOrderShipped(ctx, orderID, e.now())
	if err != nil {
		return schema.Order{}, err
	}
	if !changed {
		return schema.Order{}, errs.New(op, errs.CodeConflict, errs.WithReason("order_already_shipped"),
			errs.WithMessage("order is already shipped"))
	}
	return e.stores.Orders.GetOrder(ctx, orderID)
}

// ExpireOrder is the scheduler callback for payment_expire deadlines. The
// pending -> failed move is conditional; an order paid in the meantime is
// left untouched and no event is emitted.
func (e *Engine) ExpireOrder(ctx context.Context, orderID string) error {
	changed, err := e.stores.Orders.ExpireOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	order, err := e.stores.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	payload := schema.OrderExpiredPayload{OrderID: order.ID, AuctionID: order.AuctionID}
	e.publish(ctx, order.ChannelID, schema.EventOrderExpired, payload)
	e.publishTo(ctx, eventbus.UserTopic(order.BuyerID), schema.EventOrderExpired, order.ChannelID, payload)
	return nil
}
