// Package gateway terminates websocket attachments and streams bus events to
// clients. A client authenticates on attach, then drives its topic set with
// subscribe/unsubscribe frames; events flow one way, server to client.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/domain/store"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
	"github.com/streambid/streambid/internal/observability"
)

const (
	defaultIdleTimeout  = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 * 1024
)

// Bus is the subscription surface the gateway consumes.
type Bus interface {
	Subscribe(ctx context.Context) (*eventbus.Subscription, error)
	Join(sub *eventbus.Subscription, topic eventbus.Topic) error
	Leave(sub *eventbus.Subscription, topic eventbus.Topic)
	Publish(ctx context.Context, topic eventbus.Topic, kind schema.EventKind, channelID int64, payload any) error
}

// Config carries gateway tunables.
type Config struct {
	// IdleTimeout disconnects clients that send nothing (not even a ping)
	// for this long.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
}

func (c Config) normalize() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Gateway upgrades attach requests and runs one session per connection.
type Gateway struct {
	bus      Bus
	authn    *auth.Authenticator
	channels store.ChannelStore
	cfg      Config

	connections metric.Int64UpDownCounter
	framesSent  metric.Int64Counter
}

// New constructs a Gateway.
func New(bus Bus, authn *auth.Authenticator, channels store.ChannelStore, cfg Config) *Gateway {
	g := &Gateway{
		bus:      bus,
		authn:    authn,
		channels: channels,
		cfg:      cfg.normalize(),
	}
	meter := otel.Meter("gateway")
	g.connections, _ = meter.Int64UpDownCounter("streambid_ws_connections",
		metric.WithDescription("Active websocket sessions"),
		metric.WithUnit("{connection}"))
	g.framesSent, _ = meter.Int64Counter("streambid_ws_frames_sent_total",
		metric.WithDescription("Event frames delivered to websocket clients"),
		metric.WithUnit("{frame}"))
	return g
}

// clientFrame is the inbound control message driving the topic set.
type clientFrame struct {
	Action    string `json:"action"`
	ChannelID int64  `json:"channel_id"`
}

// ackFrame confirms or rejects a control message.
type ackFrame struct {
	Action    string `json:"action"`
	ChannelID int64  `json:"channel_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// ServeHTTP authenticates the attach request, upgrades it, and runs the
// session until either side disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authn.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Warn("websocket accept failed", observability.Err(err))
		return
	}
	conn.SetReadLimit(g.cfg.ReadLimit)

	g.connections.Add(r.Context(), 1)
	defer g.connections.Add(context.Background(), -1)

	g.run(r.Context(), conn, identity)
}

type session struct {
	gateway  *Gateway
	conn     *websocket.Conn
	identity auth.Identity
	sub      *eventbus.Subscription

	writeMu sync.Mutex

	mu     sync.Mutex
	joined map[int64]eventbus.Topic
}

func (g *Gateway) run(parent context.Context, conn *websocket.Conn, identity auth.Identity) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sub, err := g.bus.Subscribe(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	// Private topic: order events addressed to this user.
	if err := g.bus.Join(sub, eventbus.UserTopic(identity.UserID)); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	s := &session{
		gateway:  g,
		conn:     conn,
		identity: identity,
		sub:      sub,
		joined:   make(map[int64]eventbus.Topic),
	}
	defer s.leaveAll(context.WithoutCancel(ctx))

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		s.readLoop(ctx)
	})
	wg.Go(func() {
		defer cancel()
		s.writeLoop(ctx)
	})
	wg.Wait()
}

// readLoop consumes control frames until the client goes quiet or away.
// The per-read deadline doubles as the idle timeout; ping frames reset it
// without surfacing here.
func (s *session) readLoop(ctx context.Context) {
	for {
		readCtx, cancelRead := context.WithTimeout(ctx, s.gateway.cfg.IdleTimeout)
		typ, data, err := s.conn.Read(readCtx)
		cancelRead()
		if err != nil {
			if ctx.Err() == nil {
				_ = s.conn.Close(websocket.StatusNormalClosure, "idle")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handleFrame(ctx, data)
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.ack(ctx, ackFrame{Action: "error", OK: false, Error: "malformed frame"})
		return
	}
	switch frame.Action {
	case actionSubscribe:
		s.subscribe(ctx, frame.ChannelID)
	case actionUnsubscribe:
		s.unsubscribe(ctx, frame.ChannelID)
	default:
		s.ack(ctx, ackFrame{Action: frame.Action, ChannelID: frame.ChannelID, OK: false, Error: "unknown action"})
	}
}

func (s *session) subscribe(ctx context.Context, channelID int64) {
	if _, err := s.gateway.channels.GetChannel(ctx, channelID); err != nil {
		s.ack(ctx, ackFrame{Action: actionSubscribe, ChannelID: channelID, OK: false, Error: "channel not found"})
		return
	}

	s.mu.Lock()
	_, already := s.joined[channelID]
	s.mu.Unlock()
	if already {
		s.ack(ctx, ackFrame{Action: actionSubscribe, ChannelID: channelID, OK: true})
		return
	}

	topic := eventbus.ChannelTopic(channelID)
	if err := s.gateway.bus.Join(s.sub, topic); err != nil {
		s.ack(ctx, ackFrame{Action: actionSubscribe, ChannelID: channelID, OK: false, Error: "subscribe failed"})
		return
	}
	s.mu.Lock()
	s.joined[channelID] = topic
	s.mu.Unlock()

	s.ack(ctx, ackFrame{Action: actionSubscribe, ChannelID: channelID, OK: true})
	s.publishPresence(ctx, channelID, schema.EventParticipantJoined)
}

func (s *session) unsubscribe(ctx context.Context, channelID int64) {
	s.mu.Lock()
	topic, ok := s.joined[channelID]
	delete(s.joined, channelID)
	s.mu.Unlock()
	if ok {
		s.gateway.bus.Leave(s.sub, topic)
		s.publishPresence(ctx, channelID, schema.EventParticipantLeft)
	}
	s.ack(ctx, ackFrame{Action: actionUnsubscribe, ChannelID: channelID, OK: true})
}

// leaveAll announces departure from every joined channel when the session
// ends, whatever the cause.
func (s *session) leaveAll(ctx context.Context) {
	s.mu.Lock()
	joined := make(map[int64]eventbus.Topic, len(s.joined))
	for id, topic := range s.joined {
		joined[id] = topic
	}
	s.joined = make(map[int64]eventbus.Topic)
	s.mu.Unlock()

	for channelID, topic := range joined {
		s.gateway.bus.Leave(s.sub, topic)
		s.publishPresence(ctx, channelID, schema.EventParticipantLeft)
	}
}

func (s *session) publishPresence(ctx context.Context, channelID int64, kind schema.EventKind) {
	err := s.gateway.bus.Publish(ctx, eventbus.ChannelTopic(channelID), kind, channelID,
		schema.ParticipantPayload{UserID: s.identity.UserID})
	if err != nil {
		observability.Log().Warn("presence publish failed",
			observability.Int64("channel_id", channelID),
			observability.String("event_kind", string(kind)),
			observability.Err(err))
	}
}

// writeLoop drains the subscription into the socket. When the bus drops the
// subscription the close frame carries the reason so clients can distinguish
// a slow-consumer eviction from shutdown.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-s.sub.Events():
			if !ok {
				s.closeForReason(s.sub.Reason())
				return
			}
			data, err := json.Marshal(envelope)
			if err != nil {
				observability.Log().Error("envelope encode failed", observability.Err(err))
				continue
			}
			if err := s.write(ctx, data); err != nil {
				return
			}
			s.gateway.framesSent.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event_kind", string(envelope.Type))))
		}
	}
}

func (s *session) ack(ctx context.Context, frame ackFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.write(ctx, data)
}

// write serializes all socket writes; acks from the read side and events
// from the write side share the connection.
func (s *session) write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.gateway.cfg.WriteTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *session) closeForReason(reason eventbus.CloseReason) {
	var code websocket.StatusCode
	switch reason {
	case eventbus.ReasonSlowConsumer:
		code = websocket.StatusPolicyViolation
	case eventbus.ReasonBusClosed:
		code = websocket.StatusGoingAway
	default:
		code = websocket.StatusNormalClosure
	}
	_ = s.conn.Close(code, string(reason))
}
