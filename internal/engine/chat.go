package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
)

// SendMessage validates, persists, and broadcasts a chat line. Rate limiting
// happens at the command surface before the engine is reached.
func (e *Engine) SendMessage(ctx context.Context, caller auth.Identity, channelID int64, content string) (schema.Message, error) {
	const op = "chat/send"
	channel, err := e.stores.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return schema.Message{}, err
	}
	if channel.Status != schema.ChannelActive {
		return schema.Message{}, errs.New(op, errs.CodeConflict, errs.WithReason("channel_not_live"), errs.WithMessage("channel is not live"))
	}
	normalized, ok := schema.NormalizeContent(content, e.settings.MessageMaxLen)
	if !ok {
		return schema.Message{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("message is empty or too long"))
	}
	author, err := e.stores.Users.GetUser(ctx, caller.UserID)
	if err != nil {
		return schema.Message{}, err
	}
	msg := schema.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		AuthorID:  caller.UserID,
		Content:   normalized,
		SentAt:    e.now(),
	}
	if err := e.stores.Messages.InsertMessage(ctx, msg); err != nil {
		return schema.Message{}, err
	}
	e.publish(ctx, channelID, schema.EventChatMessage, schema.ChatMessagePayload{
		Message:    msg,
		AuthorName: author.DisplayName,
	})
	return msg, nil
}

// ListMessages returns recent non-deleted chat, oldest first.
func (e *Engine) ListMessages(ctx context.Context, channelID int64, limit int) ([]schema.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return e.stores.Messages.ListMessages(ctx, channelID, limit)
}

// DeleteMessage soft-deletes a chat line. Only the channel host may delete;
// no event is emitted, clients converge on the next history read.
func (e *Engine) DeleteMessage(ctx context.Context, caller auth.Identity, channelID int64, messageID string) error {
	const op = "chat/delete"
	if _, err := e.requireHost(ctx, op, caller, channelID); err != nil {
		return err
	}
	return e.stores.Messages.SoftDeleteMessage(ctx, messageID, e.now())
}
