package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
)

type stubChannels struct {
	known map[int64]schema.Channel
}

func (s *stubChannels) CreateChannel(_ context.Context, channel schema.Channel) (schema.Channel, error) {
	return channel, nil
}

func (s *stubChannels) GetChannel(_ context.Context, id int64) (schema.Channel, error) {
	ch, ok := s.known[id]
	if !ok {
		return schema.Channel{}, errs.New("stub/channel", errs.CodeNotFound, errs.WithMessage("channel not found"))
	}
	return ch, nil
}

func (s *stubChannels) TransitionChannel(context.Context, int64, schema.ChannelStatus, schema.ChannelStatus, time.Time) (bool, error) {
	return false, nil
}

func (s *stubChannels) SetHighlight(context.Context, int64, *int64) error { return nil }

func newTestGateway(t *testing.T, cfg Config) (*httptest.Server, *eventbus.MemoryBus, *auth.Authenticator) {
	t.Helper()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{QueueMax: 16})
	t.Cleanup(bus.Close)
	authn := auth.New("gateway-test-key")
	channels := &stubChannels{known: map[int64]schema.Channel{
		7: {ID: 7, HostID: 1, Status: schema.ChannelActive},
	}}
	gw := New(bus, authn, channels, cfg)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, bus, authn
}

func wsURL(srv *httptest.Server, token string) string {
	return strings.Replace(srv.URL, "http", "ws", 1) + "/ws?token=" + token
}

func dialClient(t *testing.T, srv *httptest.Server, authn *auth.Authenticator, userID int64) *websocket.Conn {
	t.Helper()
	token, err := authn.Mint(userID, []schema.Role{schema.RoleBuyer}, time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame clientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func TestAttachRequiresCredential(t *testing.T) {
	srv, _, _ := newTestGateway(t, Config{})

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeDeliversChannelEvents(t *testing.T) {
	srv, bus, authn := newTestGateway(t, Config{})
	conn := dialClient(t, srv, authn, 42)

	sendFrame(t, conn, clientFrame{Action: actionSubscribe, ChannelID: 7})

	var ack ackFrame
	readJSON(t, conn, &ack)
	require.True(t, ack.OK)
	assert.Equal(t, actionSubscribe, ack.Action)
	assert.Equal(t, int64(7), ack.ChannelID)

	// First event on the topic is this client's own join announcement.
	var joined schema.Envelope
	readJSON(t, conn, &joined)
	assert.Equal(t, schema.EventParticipantJoined, joined.Type)

	err := bus.Publish(context.Background(), eventbus.ChannelTopic(7), schema.EventChatMessage, 7,
		schema.ChatMessagePayload{Message: schema.Message{ID: "m1", ChannelID: 7, Content: "hi"}})
	require.NoError(t, err)

	var envelope schema.Envelope
	readJSON(t, conn, &envelope)
	assert.Equal(t, schema.EventChatMessage, envelope.Type)
	assert.Equal(t, int64(7), envelope.ChannelID)
	assert.Greater(t, envelope.Seq, joined.Seq)
}

func TestSubscribeUnknownChannelRejected(t *testing.T) {
	srv, _, authn := newTestGateway(t, Config{})
	conn := dialClient(t, srv, authn, 42)

	sendFrame(t, conn, clientFrame{Action: actionSubscribe, ChannelID: 999})

	var ack ackFrame
	readJSON(t, conn, &ack)
	assert.False(t, ack.OK)
	assert.NotEmpty(t, ack.Error)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv, bus, authn := newTestGateway(t, Config{})
	conn := dialClient(t, srv, authn, 42)

	sendFrame(t, conn, clientFrame{Action: actionSubscribe, ChannelID: 7})
	var ack ackFrame
	readJSON(t, conn, &ack)
	require.True(t, ack.OK)
	var joined schema.Envelope
	readJSON(t, conn, &joined)

	sendFrame(t, conn, clientFrame{Action: actionUnsubscribe, ChannelID: 7})

	// The leave announcement may still arrive before the unsubscribe ack;
	// drain frames until the ack shows up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no unsubscribe ack")
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)
		var frame ackFrame
		if json.Unmarshal(data, &frame) == nil && frame.Action == actionUnsubscribe {
			require.True(t, frame.OK)
			break
		}
	}

	require.NoError(t, bus.Publish(context.Background(), eventbus.ChannelTopic(7), schema.EventChatMessage, 7,
		schema.ChatMessagePayload{Message: schema.Message{ID: "m2", ChannelID: 7, Content: "gone"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "no frames expected after unsubscribe")
}

func TestIdleClientDisconnected(t *testing.T) {
	srv, _, authn := newTestGateway(t, Config{IdleTimeout: 100 * time.Millisecond})
	conn := dialClient(t, srv, authn, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "server should close the idle session")
}
