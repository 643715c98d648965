package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/avendel/cryptodesk/internal/events"
)

const testSecret = "hub-test-secret"

func newTestHub(t *testing.T, topic string) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(testSecret, zerolog.Nop())
	srv := httptest.NewServer(h.Handler(topic))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func accessToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := NewTokenVerifier(testSecret).IssueToken(userID, time.Minute)
	require.NoError(t, err)
	return token
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := ws.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func waitForConns(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, conns, _ := h.Stats(); conns >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d connections", want)
}

func TestFanOutToEveryConnectionOfUser(t *testing.T) {
	h, srv := newTestHub(t, TopicPortfolio)
	token := accessToken(t, "u1")

	first := dial(t, srv, token)
	second := dial(t, srv, token)
	waitForConns(t, h, 2)

	// Three updates must arrive on both connections, in order.
	for i, total := range []string{"10000", "10500", "10495"} {
		h.SendToUser("u1", TopicPortfolio, "portfolio_update", map[string]interface{}{
			"seq":         i,
			"total_value": total,
		})
	}

	for _, ws := range []*websocket.Conn{first, second} {
		for i, total := range []string{"10000", "10500", "10495"} {
			msg := readMessage(t, ws)
			assert.Equal(t, "portfolio_update", msg.Type)
			data, ok := msg.Data.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, float64(i), data["seq"], "messages arrive in send order")
			assert.Equal(t, total, data["total_value"])
		}
	}
}

func TestSendToUserSkipsOtherUsers(t *testing.T) {
	h, srv := newTestHub(t, TopicPortfolio)

	mine := dial(t, srv, accessToken(t, "u1"))
	theirs := dial(t, srv, accessToken(t, "u2"))
	waitForConns(t, h, 2)

	h.SendToUser("u1", TopicPortfolio, "portfolio_update", map[string]interface{}{"owner": "u1"})
	h.SendToUser("u2", TopicPortfolio, "portfolio_update", map[string]interface{}{"owner": "u2"})

	msg := readMessage(t, mine)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "u1", data["owner"])

	msg = readMessage(t, theirs)
	data = msg.Data.(map[string]interface{})
	assert.Equal(t, "u2", data["owner"])
}

func TestSubscribeAndUnsubscribeAcks(t *testing.T) {
	h, srv := newTestHub(t, TopicPortfolio)
	ws := dial(t, srv, accessToken(t, "u1"))
	waitForConns(t, h, 1)

	ctx := context.Background()
	raw, _ := json.Marshal(clientMessage{Type: "subscribe", SubscriptionType: TopicOrders})
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))

	msg := readMessage(t, ws)
	assert.Equal(t, "subscribed", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, TopicOrders, data["subscription_type"])

	// Now an orders message for this user is delivered.
	h.SendToUser("u1", TopicOrders, "order_executed", map[string]interface{}{"id": "t1"})
	msg = readMessage(t, ws)
	assert.Equal(t, "order_executed", msg.Type)

	raw, _ = json.Marshal(clientMessage{Type: "unsubscribe", SubscriptionType: TopicOrders})
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
	msg = readMessage(t, ws)
	assert.Equal(t, "unsubscribed", msg.Type)

	// After unsubscribing, orders messages are no longer delivered; the
	// portfolio subscription from the connect path still works.
	h.SendToUser("u1", TopicOrders, "order_executed", map[string]interface{}{"id": "t2"})
	h.SendToUser("u1", TopicPortfolio, "portfolio_update", map[string]interface{}{"total_value": "1"})
	msg = readMessage(t, ws)
	assert.Equal(t, "portfolio_update", msg.Type)
}

func TestUnknownClientMessagesGetErrors(t *testing.T) {
	h, srv := newTestHub(t, TopicPortfolio)
	ws := dial(t, srv, accessToken(t, "u1"))
	waitForConns(t, h, 1)

	ctx := context.Background()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	msg := readMessage(t, ws)
	assert.Equal(t, "error", msg.Type)

	raw, _ := json.Marshal(clientMessage{Type: "subscribe", SubscriptionType: "firehose"})
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
	msg = readMessage(t, ws)
	assert.Equal(t, "error", msg.Type)
}

func TestScopedTopicRejectsBadToken(t *testing.T) {
	_, srv := newTestHub(t, TopicPortfolio)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, url, nil)
	assert.Error(t, err, "missing token")

	_, _, err = websocket.Dial(ctx, url+"?token=not-a-jwt", nil)
	assert.Error(t, err, "garbage token")
}

func TestMarketDataIsOpenBroadcast(t *testing.T) {
	h, srv := newTestHub(t, TopicMarketData)

	// No token required.
	first := dial(t, srv, "")
	second := dial(t, srv, "")
	waitForConns(t, h, 2)

	h.BroadcastToSubscribers(TopicMarketData, "market_data_update", map[string]interface{}{
		"symbol": "BTCUSDT",
		"close":  50000.0,
	})

	for _, ws := range []*websocket.Conn{first, second} {
		msg := readMessage(t, ws)
		assert.Equal(t, "market_data_update", msg.Type)
		data := msg.Data.(map[string]interface{})
		assert.Equal(t, "BTCUSDT", data["symbol"])
	}
}

func TestDisconnectedPeerIsRemovedFromIndexes(t *testing.T) {
	h, srv := newTestHub(t, TopicPortfolio)
	ws := dial(t, srv, accessToken(t, "u1"))
	waitForConns(t, h, 1)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))

	deadline := time.Now().Add(2 * time.Second)
	for {
		users, conns, _ := h.Stats()
		if users == 0 && conns == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection not cleaned up: users=%d conns=%d", users, conns)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Sending to the departed user is a no-op.
	h.SendToUser("u1", TopicPortfolio, "portfolio_update", map[string]interface{}{})
}

func TestBusBridgeRoutesEvents(t *testing.T) {
	h, srv := newTestHub(t, TopicPortfolio)
	bus := events.NewBus(zerolog.Nop())
	h.BindBus(bus)

	ws := dial(t, srv, accessToken(t, "u1"))
	waitForConns(t, h, 1)

	ctx := context.Background()
	raw, _ := json.Marshal(clientMessage{Type: "subscribe", SubscriptionType: TopicNotifications})
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
	msg := readMessage(t, ws)
	require.Equal(t, "subscribed", msg.Type)

	bus.EmitData(events.PortfolioChanged, "paper", "u1", map[string]interface{}{"total_value": "10495"})
	bus.EmitData(events.StrategyChanged, "strategy", "u1", map[string]interface{}{"status": "active"})

	msg = readMessage(t, ws)
	assert.Equal(t, "portfolio_update", msg.Type)
	msg = readMessage(t, ws)
	assert.Equal(t, "strategy_changed", msg.Type)
}

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier(testSecret)

	token, err := v.IssueToken("u1", time.Minute)
	require.NoError(t, err)
	subject, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", subject)

	_, err = v.Verify("")
	assert.Error(t, err)

	expired, err := v.IssueToken("u1", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.Error(t, err)

	other, err := NewTokenVerifier("different-secret").IssueToken("u1", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.Error(t, err)
}
