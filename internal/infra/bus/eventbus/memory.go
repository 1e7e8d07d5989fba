package eventbus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/observability"
	"github.com/streambid/streambid/internal/telemetry"
)

// MemoryBus is the process-local implementation of the event bus. Cross
// process fan-out is out of scope; the Publisher contract is the
// substitution point for a durable broker.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[Topic]*topicState
	nextID uint64
	closed bool

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type topicState struct {
	seq  uint64
	subs map[uint64]*Subscription
}

// Subscription is the pull-based streaming handle handed to the gateway.
// The owner drains Events until it closes or Done fires.
type Subscription struct {
	id  uint64
	bus *MemoryBus

	mu     sync.Mutex
	ch     chan schema.Envelope
	closed bool
	reason CloseReason
	topics map[Topic]struct{}

	done chan struct{}
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.topics = make(map[Topic]*topicState)

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.subscribers.dropped",
		metric.WithDescription("Number of subscribers dropped as slow consumers"),
		metric.WithUnit("{subscriber}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscriber}"))

	return bus
}

// Publish stamps the next sequence number for the topic and delivers the
// envelope to every joined subscriber. Callers publish after their
// transaction committed; a publish failure never rolls state back.
func (b *MemoryBus) Publish(ctx context.Context, topic Topic, kind schema.EventKind, channelID int64, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if topic == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	raw, err := schema.MarshalPayload(payload)
	if err != nil {
		return err
	}

	// Seq assignment and enqueueing happen under one lock so concurrent
	// publishers cannot interleave: every subscriber queue receives the
	// topic's envelopes in seq order. Offers never block, so the lock is
	// held only for a channel send attempt per subscriber.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	state, ok := b.topics[topic]
	if !ok {
		state = &topicState{subs: make(map[uint64]*Subscription)}
		b.topics[topic] = state
	}
	state.seq++
	envelope := schema.Envelope{
		Type:      kind,
		Seq:       state.seq,
		ChannelID: channelID,
		At:        time.Now().UTC(),
		Payload:   raw,
	}
	var dropped []*Subscription
	for _, sub := range state.subs {
		if !sub.offer(envelope) {
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range dropped {
		observability.Log().Warn("eventbus: dropping slow consumer",
			observability.String("topic", string(topic)),
			observability.String("event_kind", string(kind)))
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrTopic.String(string(topic)),
				telemetry.AttrReason.String(string(ReasonSlowConsumer))))
		}
		b.detach(sub, ReasonSlowConsumer)
	}

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(kind), string(topic))...))
	}
	return nil
}

// Subscribe registers a new subscription with an empty topic set.
func (b *MemoryBus) Subscribe(ctx context.Context) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		ch:     make(chan schema.Envelope, b.cfg.QueueMax),
		topics: make(map[Topic]struct{}),
		done:   make(chan struct{}),
	}
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1)
	}
	context.AfterFunc(ctx, func() {
		b.detach(sub, ReasonUnsubscribed)
	})
	return sub, nil
}

// Close shuts down the bus and every subscription.
func (b *MemoryBus) Close() {
	b.cancel()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	seen := make(map[uint64]struct{})
	for _, state := range b.topics {
		for id, sub := range state.subs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[Topic]*topicState)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(ReasonBusClosed)
	}
}

// Join binds the subscription to a topic; events published to the topic
// from this point on are delivered in order.
func (b *MemoryBus) Join(sub *Subscription, topic Topic) error {
	if sub == nil || topic == "" {
		return errs.New("eventbus/join", errs.CodeInvalid, errs.WithMessage("subscription and topic required"))
	}
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return errs.New("eventbus/join", errs.CodeUnavailable, errs.WithMessage("subscription closed"))
	}
	sub.topics[topic] = struct{}{}
	sub.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.New("eventbus/join", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	state, ok := b.topics[topic]
	if !ok {
		state = &topicState{subs: make(map[uint64]*Subscription)}
		b.topics[topic] = state
	}
	state.subs[sub.id] = sub
	return nil
}

// Leave unbinds the subscription from a topic.
func (b *MemoryBus) Leave(sub *Subscription, topic Topic) {
	if sub == nil || topic == "" {
		return
	}
	sub.mu.Lock()
	delete(sub.topics, topic)
	sub.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.topics[topic]; ok {
		delete(state.subs, sub.id)
		if len(state.subs) == 0 && state.seq == 0 {
			delete(b.topics, topic)
		}
	}
}

// detach removes the subscription from every topic and terminates it.
func (b *MemoryBus) detach(sub *Subscription, reason CloseReason) {
	sub.mu.Lock()
	topics := make([]Topic, 0, len(sub.topics))
	for topic := range sub.topics {
		topics = append(topics, topic)
	}
	sub.mu.Unlock()

	b.mu.Lock()
	for _, topic := range topics {
		if state, ok := b.topics[topic]; ok {
			delete(state.subs, sub.id)
		}
	}
	b.mu.Unlock()

	if b.subscriberGauge != nil && !sub.isClosed() {
		b.subscriberGauge.Add(context.Background(), -1)
	}
	sub.terminate(reason)
}

// Events returns the subscriber's ordered delivery stream. The channel is
// closed when the subscription terminates.
func (s *Subscription) Events() <-chan schema.Envelope { return s.ch }

// Done fires when the subscription has terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the subscription terminated; empty while live.
func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Topics snapshots the currently joined topics.
func (s *Subscription) Topics() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Topic, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

// Close detaches the subscription cleanly.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.detach(s, ReasonUnsubscribed)
}

// offer enqueues without ever blocking; false means the queue was full.
func (s *Subscription) offer(envelope schema.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- envelope:
		return true
	default:
		return false
	}
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) terminate(reason CloseReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
	close(s.done)
	s.mu.Unlock()
}

var _ Publisher = (*MemoryBus)(nil)
