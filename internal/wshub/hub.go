package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/candle"
	"github.com/supermancell/bitquery-chart/internal/market"
	"github.com/supermancell/bitquery-chart/internal/metrics"
)

// Message types exchanged with chart clients
const (
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypeBar          = "bar"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

var logger = log.WithField("component", "wshub")

// Message represents a WebSocket message
type Message struct {
	Type      string       `json:"type"`
	ID        string       `json:"id,omitempty"`
	Channel   string       `json:"channel,omitempty"`
	Network   string       `json:"network,omitempty"`
	Token     string       `json:"token,omitempty"`
	Interval  int          `json:"interval,omitempty"`
	Bar       *candle.Bar  `json:"bar,omitempty"`
	Bars      []candle.Bar `json:"bars,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// SnapshotFunc returns the cached bars sent with a subscribe confirmation.
type SnapshotFunc func(ctx context.Context, channel string) []candle.Bar

// Options configures a Hub.
type Options struct {
	// OnDemandChange is called from the hub loop whenever the union of client
	// subscriptions may have changed. It must not block.
	OnDemandChange func()
	Snapshot       SnapshotFunc
	Metrics        *metrics.Metrics
	PingInterval   time.Duration
}

// Client represents a WebSocket client connection
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]market.Channel
	mu         sync.RWMutex
}

type outbound struct {
	client *Client
	data   []byte
}

// membership changes a client's subscription set and queues its reply in one
// step of the hub loop, so no broadcast can slip in between.
type membership struct {
	client    *Client
	channel   market.Channel
	subscribe bool
	reply     []byte
}

type broadcast struct {
	channel string
	feed    string // when set, every channel of the feed receives data
	data    []byte
}

// Hub manages WebSocket client connections and fans bars out to the clients
// subscribed to each channel. The clients map is only mutated by Run.
type Hub struct {
	opts       Options
	clients    map[*Client]bool
	broadcast  chan broadcast
	reply      chan outbound
	membership chan membership
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub creates a new WebSocket hub
func NewHub(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{
		opts:       opts,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcast, 256),
		reply:      make(chan outbound, 256),
		membership: make(chan membership),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // charts are served from a different port
			},
		},
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled. All
// client connections are closed on return.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(total)
			logger.WithFields(log.Fields{"client": client.id, "total": total}).Info("WebSocket client connected")

		case client := <-h.unregister:
			h.remove(client)

		case b := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(b) {
					continue
				}
				select {
				case client.send <- b.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				logger.WithField("client", client.id).Warn("Client send buffer full, disconnecting")
				h.remove(client)
			}

		case out := <-h.reply:
			h.mu.RLock()
			_, ok := h.clients[out.client]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case out.client.send <- out.data:
			default:
				h.remove(out.client)
			}

		case m := <-h.membership:
			h.applyMembership(m)

		case <-ticker.C:
			data, _ := json.Marshal(Message{Type: MessageTypePing, Timestamp: time.Now().Unix()})
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// applyMembership updates the subscription set, then queues the reply. Only
// called from Run: bars broadcast before this point never reach the client
// and bars broadcast after it are delivered after the reply.
func (h *Hub) applyMembership(m membership) {
	h.mu.RLock()
	_, ok := h.clients[m.client]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var changed bool
	if m.subscribe {
		changed = m.client.Subscribe(m.channel)
	} else {
		changed = m.client.Unsubscribe(m.channel.Key())
	}
	if changed {
		h.demandChanged()
	}

	select {
	case m.client.send <- m.reply:
	default:
		h.remove(m.client)
	}
}

// remove unregisters client and closes its send channel. Only called from Run.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.setClientGauge(total)
	logger.WithFields(log.Fields{"client": client.id, "total": total}).Info("WebSocket client disconnected")
	if client.subscriptionCount() > 0 {
		h.demandChanged()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.setClientGauge(0)
}

func (h *Hub) setClientGauge(n int) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.Clients.Set(float64(n))
	}
}

func (h *Hub) demandChanged() {
	if h.opts.OnDemandChange != nil {
		h.opts.OnDemandChange()
	}
}

// Demand returns the union of all client subscriptions keyed by channel.
func (h *Hub) Demand() map[string]market.Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	demand := make(map[string]market.Channel)
	for client := range h.clients {
		client.mu.RLock()
		for key, ch := range client.subscribed {
			demand[key] = ch
		}
		client.mu.RUnlock()
	}
	return demand
}

// Feeds returns the distinct upstream feeds needed by connected clients.
func (h *Hub) Feeds() []string {
	seen := make(map[string]bool)
	var feeds []string
	for _, ch := range h.Demand() {
		key := ch.Feed.Key()
		if !seen[key] {
			seen[key] = true
			feeds = append(feeds, key)
		}
	}
	return feeds
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastBar sends a bar update to all clients subscribed to channel
func (h *Hub) BroadcastBar(channel string, bar candle.Bar) {
	b := bar
	h.enqueue(broadcast{channel: channel}, Message{
		Type:      MessageTypeBar,
		Channel:   channel,
		Bar:       &b,
		Timestamp: time.Now().Unix(),
	})
}

// BroadcastFeedError tells every client subscribed to any channel of feed
// that the upstream failed.
func (h *Hub) BroadcastFeedError(feed string, err error) {
	h.enqueue(broadcast{feed: feed}, Message{
		Type:      MessageTypeError,
		Error:     err.Error(),
		Timestamp: time.Now().Unix(),
	})
}

func (h *Hub) enqueue(b broadcast, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.WithError(err).Error("Failed to marshal broadcast")
		return
	}
	b.data = data

	select {
	case h.broadcast <- b:
	case <-h.done:
	}
}

// wants reports whether the client subscribes to the broadcast's target.
func (c *Client) wants(b broadcast) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b.feed != "" {
		for _, ch := range c.subscribed {
			if ch.Feed.Key() == b.feed {
				return true
			}
		}
		return false
	}
	_, ok := c.subscribed[b.channel]
	return ok
}

// Subscribe adds channel to client's subscription list and reports whether it
// was new.
func (c *Client) Subscribe(ch market.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ch.Key()
	if _, ok := c.subscribed[key]; ok {
		return false
	}
	c.subscribed[key] = ch
	logger.WithFields(log.Fields{"client": c.id, "channel": key}).Info("Client subscribed")
	return true
}

// Unsubscribe removes channel from client's subscription list and reports
// whether it was present.
func (c *Client) Unsubscribe(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribed[key]; !ok {
		return false
	}
	delete(c.subscribed, key)
	logger.WithFields(log.Fields{"client": c.id, "channel": key}).Info("Client unsubscribed")
	return true
}

func (c *Client) subscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribed)
}

// reply queues msg for this client only.
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		logger.WithError(err).Error("Failed to marshal reply")
		return
	}
	select {
	case c.hub.reply <- outbound{client: c, data: data}:
	case <-c.hub.done:
	}
}

func (c *Client) replyError(id string, err error) {
	c.reply(Message{Type: MessageTypeError, ID: id, Error: err.Error()})
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.WithError(err).WithField("client", c.id).Warn("WebSocket error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("", fmt.Errorf("invalid message: %w", err))
			continue
		}

		switch msg.Type {
		case MessageTypeSubscribe:
			c.handleSubscribe(msg)
		case MessageTypeUnsubscribe:
			c.handleUnsubscribe(msg)
		case MessageTypePong, MessageTypePing:
			// heartbeat
		default:
			c.replyError(msg.ID, fmt.Errorf("unknown message type %q", msg.Type))
		}
	}
}

func (c *Client) handleSubscribe(msg Message) {
	ch, err := channelOf(msg)
	if err != nil {
		c.replyError(msg.ID, err)
		return
	}

	// The snapshot is read before the client joins the channel; it must not
	// overtake a bar pushed after the join.
	var bars []candle.Bar
	if c.hub.opts.Snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bars = c.hub.opts.Snapshot(ctx, ch.Key())
		cancel()
	}

	c.changeMembership(ch, true, Message{
		Type:     MessageTypeSubscribed,
		ID:       msg.ID,
		Channel:  ch.Key(),
		Network:  ch.Network,
		Token:    ch.Token,
		Interval: ch.Interval,
		Bars:     bars,
	})
}

func (c *Client) handleUnsubscribe(msg Message) {
	ch, err := channelOf(msg)
	if err != nil {
		c.replyError(msg.ID, err)
		return
	}
	c.changeMembership(ch, false, Message{Type: MessageTypeUnsubscribed, ID: msg.ID, Channel: ch.Key()})
}

func (c *Client) changeMembership(ch market.Channel, subscribe bool, reply Message) {
	reply.Timestamp = time.Now().Unix()
	data, err := json.Marshal(reply)
	if err != nil {
		logger.WithError(err).Error("Failed to marshal reply")
		return
	}
	select {
	case c.hub.membership <- membership{client: c, channel: ch, subscribe: subscribe, reply: data}:
	case <-c.hub.done:
	}
}

// channelOf resolves the channel named by msg, either by key or by its parts.
func channelOf(msg Message) (market.Channel, error) {
	if msg.Channel != "" {
		return market.ParseChannel(msg.Channel)
	}
	return market.NewChannel(msg.Network, msg.Token, msg.Interval)
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP handles WebSocket upgrade and client management
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		subscribed: make(map[string]market.Channel),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
