// Package eventbus implements the in-process pub/sub layer keyed by channel
// topic. Delivery within one topic preserves publish order for every
// subscriber; per-subscriber queues are bounded and slow consumers are
// disconnected rather than ever blocking the publisher.
package eventbus

import (
	"context"
	"fmt"

	"github.com/streambid/streambid/internal/domain/schema"
)

// Topic identifies an ordered event stream: one per channel, one per user.
type Topic string

// ChannelTopic returns the topic carrying a channel's event stream.
func ChannelTopic(channelID int64) Topic {
	return Topic(fmt.Sprintf("channel:%d", channelID))
}

// UserTopic returns the private topic for a single user.
func UserTopic(userID int64) Topic {
	return Topic(fmt.Sprintf("user:%d", userID))
}

// CloseReason records why a subscription terminated.
type CloseReason string

const (
	// ReasonSlowConsumer marks a subscriber dropped for exceeding its
	// delivery queue.
	ReasonSlowConsumer CloseReason = "slow_consumer"
	// ReasonBusClosed marks a subscription ended by bus shutdown.
	ReasonBusClosed CloseReason = "bus_closed"
	// ReasonUnsubscribed marks a clean detach by the subscriber.
	ReasonUnsubscribed CloseReason = "unsubscribed"
)

// Publisher is the narrow surface the engine publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, kind schema.EventKind, channelID int64, payload any) error
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// QueueMax bounds each subscriber's delivery queue; exceeding it
	// disconnects the subscriber with ReasonSlowConsumer.
	QueueMax int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.QueueMax <= 0 {
		c.QueueMax = 256
	}
	return c
}
