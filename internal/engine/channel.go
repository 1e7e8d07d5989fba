package engine

import (
	"context"
	"strings"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
)

// CreateChannel registers a scheduled live session owned by the caller.
func (e *Engine) CreateChannel(ctx context.Context, caller auth.Identity, title string) (schema.Channel, error) {
	const op = "channel/create"
	if !caller.HasRole(schema.RoleSeller) {
		return schema.Channel{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("seller role required"))
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return schema.Channel{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("title is required"))
	}
	channel := schema.Channel{
		HostID:    caller.UserID,
		Title:     title,
		Status:    schema.ChannelScheduled,
		CreatedAt: e.now(),
	}
	return e.stores.Channels.CreateChannel(ctx, channel)
}

// StartChannel moves a scheduled channel live.
func (e *Engine) StartChannel(ctx context.Context, caller auth.Identity, channelID int64) (schema.Channel, error) {
	const op = "channel/start"
	channel, err := e.requireHost(ctx, op, caller, channelID)
	if err != nil {
		return schema.Channel{}, err
	}
	changed, err := e.stores.Channels.TransitionChannel(ctx, channelID, schema.ChannelScheduled, schema.ChannelActive, e.now())
	if err != nil {
		return schema.Channel{}, err
	}
	if !changed {
		return schema.Channel{}, errs.New(op, errs.CodeConflict, errs.WithReason("channel_not_scheduled"),
			errs.WithMessage("channel is "+string(channel.Status)))
	}
	return e.stores.Channels.GetChannel(ctx, channelID)
}

// EndChannel ends a live session. An active auction on the channel is closed
// first so its outcome settles before the channel goes dark.
func (e *Engine) EndChannel(ctx context.Context, caller auth.Identity, channelID int64) (schema.Channel, error) {
	const op = "channel/end"
	if _, err := e.requireHost(ctx, op, caller, channelID); err != nil {
		return schema.Channel{}, err
	}

	if auction, ok, err := e.stores.Auctions.ActiveAuctionByChannel(ctx, channelID); err != nil {
		return schema.Channel{}, err
	} else if ok {
		if _, err := e.close(ctx, auction.ID, false); err != nil {
			return schema.Channel{}, err
		}
	}

	changed, err := e.stores.Channels.TransitionChannel(ctx, channelID, schema.ChannelActive, schema.ChannelEnded, e.now())
	if err != nil {
		return schema.Channel{}, err
	}
	if !changed {
		return schema.Channel{}, errs.New(op, errs.CodeConflict, errs.WithReason("channel_not_live"), errs.WithMessage("channel is not live"))
	}
	return e.stores.Channels.GetChannel(ctx, channelID)
}

// GetChannel returns the channel snapshot.
func (e *Engine) GetChannel(ctx context.Context, channelID int64) (schema.Channel, error) {
	return e.stores.Channels.GetChannel(ctx, channelID)
}

// Highlight pins a product on the channel overlay, replacing any previous
// highlight.
func (e *Engine) Highlight(ctx context.Context, caller auth.Identity, channelID, productID int64) error {
	const op = "channel/highlight"
	channel, err := e.requireHost(ctx, op, caller, channelID)
	if err != nil {
		return err
	}
	if channel.Status != schema.ChannelActive {
		return errs.New(op, errs.CodeConflict, errs.WithReason("channel_not_live"), errs.WithMessage("channel is not live"))
	}
	product, err := e.stores.Products.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !product.IsActive {
		return errs.New(op, errs.CodeConflict, errs.WithReason("product_inactive"), errs.WithMessage("product is not active"))
	}
	if err := e.stores.Channels.SetHighlight(ctx, channelID, &product.ID); err != nil {
		return err
	}
	e.publish(ctx, channelID, schema.EventProductHighlighted, schema.ProductHighlightPayload{Product: &product})
	return nil
}

// Unhighlight clears the channel's highlighted product.
func (e *Engine) Unhighlight(ctx context.Context, caller auth.Identity, channelID int64) error {
	const op = "channel/unhighlight"
	if _, err := e.requireHost(ctx, op, caller, channelID); err != nil {
		return err
	}
	if err := e.stores.Channels.SetHighlight(ctx, channelID, nil); err != nil {
		return err
	}
	e.publish(ctx, channelID, schema.EventProductUnhighlight, schema.ProductHighlightPayload{})
	return nil
}

func (e *Engine) requireHost(ctx context.Context, op string, caller auth.Identity, channelID int64) (schema.Channel, error) {
	channel, err := e.stores.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return schema.Channel{}, err
	}
	if channel.HostID != caller.UserID {
		return schema.Channel{}, errs.New(op, errs.CodeForbidden, errs.WithMessage("caller does not host this channel"))
	}
	return channel, nil
}
