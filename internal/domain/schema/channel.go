package schema

import "time"

// ChannelStatus enumerates the lifecycle states of a live session.
type ChannelStatus string

const (
	ChannelScheduled ChannelStatus = "scheduled"
	ChannelActive    ChannelStatus = "active"
	ChannelEnded     ChannelStatus = "ended"
)

// Channel is a live shopping session owned by a seller.
// A channel highlights at most one product at a time and hosts at most one
// active auction at a time.
type Channel struct {
	ID                   int64         `json:"id"`
	HostID               int64         `json:"host_id"`
	Title                string        `json:"title"`
	Status               ChannelStatus `json:"status"`
	HighlightedProductID *int64        `json:"highlighted_product_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
}

// Terminal reports whether the channel has ended.
func (c Channel) Terminal() bool { return c.Status == ChannelEnded }
