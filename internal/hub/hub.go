// Package hub is the realtime fan-out layer: authenticated socket
// connections subscribe to topics and receive per-user or broadcast events.
// Delivery is best-effort; clients reconcile via REST on reconnect.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/avendel/cryptodesk/internal/domain"
)

// Topics clients can subscribe to. market_data is open and broadcast; the
// rest are scoped to the authenticated user.
const (
	TopicPortfolio     = "portfolio"
	TopicOrders        = "orders"
	TopicMarketData    = "market_data"
	TopicNotifications = "notifications"
)

// sendQueueSize bounds the per-connection outbound queue. A consumer that
// falls this far behind is closed rather than allowed to stall the hub.
const sendQueueSize = 64

const writeTimeout = 5 * time.Second

// Message is the envelope delivered to clients.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientMessage is what clients send: subscription management only.
type clientMessage struct {
	Type             string `json:"type"`
	SubscriptionType string `json:"subscription_type"`
}

func validTopic(topic string) bool {
	switch topic {
	case TopicPortfolio, TopicOrders, TopicMarketData, TopicNotifications:
		return true
	}
	return false
}

// conn is one socket session. A single writer goroutine drains the send
// queue, which preserves per-connection FIFO.
type conn struct {
	userID string
	ws     *websocket.Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

// Hub maintains the connection and subscription indexes and fans events out.
type Hub struct {
	auth *TokenVerifier
	log  zerolog.Logger

	mu            sync.Mutex
	connsByUser   map[string]map[*conn]struct{}
	subscriptions map[*conn]map[string]struct{}

	dropped atomic.Int64
}

// New creates a hub. secret signs and verifies access tokens; an empty
// secret leaves only the open market_data topic usable.
func New(secret string, log zerolog.Logger) *Hub {
	return &Hub{
		auth:          NewTokenVerifier(secret),
		log:           log.With().Str("component", "hub").Logger(),
		connsByUser:   make(map[string]map[*conn]struct{}),
		subscriptions: make(map[*conn]map[string]struct{}),
	}
}

// Handler returns the HTTP handler accepting socket connections for one
// topic path. Every topic except market_data requires a token query
// parameter carrying an access-scope identity.
func (h *Hub) Handler(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validTopic(topic) {
			http.Error(w, "unknown topic", http.StatusNotFound)
			return
		}

		var userID string
		if topic != TopicMarketData {
			identity, err := h.auth.Verify(r.URL.Query().Get("token"))
			if err != nil {
				h.log.Debug().Err(err).Str("topic", topic).Msg("Socket auth rejected")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			userID = identity
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // origin policy is the host's concern
		})
		if err != nil {
			h.log.Debug().Err(err).Msg("Socket accept failed")
			return
		}

		c := &conn{
			userID: userID,
			ws:     ws,
			send:   make(chan Message, sendQueueSize),
			done:   make(chan struct{}),
		}
		h.register(c, topic)
		go h.writeLoop(c)
		h.readLoop(r.Context(), c)
	}
}

func (h *Hub) register(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.userID != "" {
		set, ok := h.connsByUser[c.userID]
		if !ok {
			set = make(map[*conn]struct{})
			h.connsByUser[c.userID] = set
		}
		set[c] = struct{}{}
	}
	h.subscriptions[c] = map[string]struct{}{topic: {}}
}

// unregister removes the connection from every index. Safe to call twice.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if set, ok := h.connsByUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.connsByUser, c.userID)
		}
	}
	delete(h.subscriptions, c)
	h.mu.Unlock()
	c.close()
}

// writeLoop is the single writer for one connection.
func (h *Hub) writeLoop(c *conn) {
	for {
		select {
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := writeJSON(ctx, c.ws, msg)
			cancel()
			if err != nil {
				// Dead peer: drop the session everywhere.
				h.unregister(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop consumes subscription management messages until the peer goes
// away.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	defer h.unregister(c)

	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.enqueue(c, Message{Type: "error", Data: "malformed message", Timestamp: time.Now().UTC()})
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.subscribe(c, msg.SubscriptionType)
		case "unsubscribe":
			h.unsubscribe(c, msg.SubscriptionType)
		default:
			h.enqueue(c, Message{Type: "error", Data: "unknown message type", Timestamp: time.Now().UTC()})
		}
	}
}

func (h *Hub) subscribe(c *conn, topic string) {
	if !validTopic(topic) {
		h.enqueue(c, Message{Type: "error", Data: "unknown topic " + topic, Timestamp: time.Now().UTC()})
		return
	}
	// Scoped topics need an identity.
	if topic != TopicMarketData && c.userID == "" {
		h.enqueue(c, Message{Type: "error", Data: "topic requires authentication", Timestamp: time.Now().UTC()})
		return
	}

	h.mu.Lock()
	if set, ok := h.subscriptions[c]; ok {
		set[topic] = struct{}{}
	}
	h.mu.Unlock()
	h.enqueue(c, Message{
		Type:      "subscribed",
		Data:      map[string]string{"subscription_type": topic},
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	h.mu.Lock()
	if set, ok := h.subscriptions[c]; ok {
		delete(set, topic)
	}
	h.mu.Unlock()
	h.enqueue(c, Message{
		Type:      "unsubscribed",
		Data:      map[string]string{"subscription_type": topic},
		Timestamp: time.Now().UTC(),
	})
}

// enqueue hands a message to the connection's writer. A full queue means the
// consumer is not keeping up: the connection is closed and counted.
func (h *Hub) enqueue(c *conn, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.dropped.Add(1)
		h.log.Warn().Str("user_id", c.userID).Msg("Send queue overflow, closing connection")
		h.unregister(c)
	}
}

// SendToUser delivers a message to every connection of one user that
// subscribes to the topic.
func (h *Hub) SendToUser(userID, topic, msgType string, data interface{}) {
	msg := Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()}

	h.mu.Lock()
	targets := h.collect(h.connsByUser[userID], topic)
	h.mu.Unlock()

	for _, c := range targets {
		h.enqueue(c, msg)
	}
}

// BroadcastToSubscribers delivers a message to every subscriber of a topic
// regardless of user.
func (h *Hub) BroadcastToSubscribers(topic, msgType string, data interface{}) {
	msg := Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()}

	h.mu.Lock()
	var targets []*conn
	for c, topics := range h.subscriptions {
		if _, ok := topics[topic]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.enqueue(c, msg)
	}
}

// collect is called with h.mu held.
func (h *Hub) collect(conns map[*conn]struct{}, topic string) []*conn {
	var targets []*conn
	for c := range conns {
		if topics, ok := h.subscriptions[c]; ok {
			if _, subscribed := topics[topic]; subscribed {
				targets = append(targets, c)
			}
		}
	}
	return targets
}

// Stats reports the live index sizes and the cumulative drop counter.
func (h *Hub) Stats() (users, conns int, dropped int64) {
	h.mu.Lock()
	users = len(h.connsByUser)
	conns = len(h.subscriptions)
	h.mu.Unlock()
	return users, conns, h.dropped.Load()
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.subscriptions))
	for c := range h.subscriptions {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "marshal hub message", err)
	}
	return ws.Write(ctx, websocket.MessageText, raw)
}
