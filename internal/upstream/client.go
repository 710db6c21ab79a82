package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/supermancell/bitquery-chart/internal/common"
	"github.com/supermancell/bitquery-chart/internal/health"
	"github.com/supermancell/bitquery-chart/internal/market"
	"github.com/supermancell/bitquery-chart/internal/metrics"
)

var (
	ErrNotConnected = errors.New("upstream not connected")
	ErrCompleted    = errors.New("upstream completed the subscription")
	ErrRejected     = errors.New("subscription rejected")
)

var logger = log.WithField("component", "upstream")

// Dialer opens the upstream WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// NewDialer returns a dialer for the Bitquery endpoint, optionally through a
// SOCKS5 proxy.
func NewDialer(useProxy bool, proxyAddr string) *websocket.Dialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	if useProxy && proxyAddr != "" {
		logger.WithField("proxy", proxyAddr).Info("Using SOCKS5 proxy")
		dialer.Proxy = nil
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			proxyDialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
			}
			if cd, ok := proxyDialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return proxyDialer.Dial(network, addr)
		}
	}
	return dialer
}

// Options configures a Client.
type Options struct {
	URL     string
	APIKey  string
	Dialer  Dialer
	Handler common.FeedHandler
	OnError common.FeedErrorHandler

	Health  *health.Status
	Metrics *metrics.Metrics

	ReconnectDelay time.Duration
	MaxReconnect   int
	AckTimeout     time.Duration
	PingInterval   time.Duration
}

// Client manages the WebSocket connection to the Bitquery stream. Each feed
// maps to one GraphQL subscription on a shared connection.
type Client struct {
	opts Options

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	subscribed   map[string]string // feed -> operation id
	operations   map[string]string // operation id -> feed
	subscribedMu sync.RWMutex

	reconnecting atomic.Bool
}

// NewClient creates a new upstream client. Zero durations and counts take the
// defaults used in production.
func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = NewDialer(false, "")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = 3
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[string]string),
		operations: make(map[string]string),
	}
}

// Connect establishes the connection and completes the protocol handshake.
// Feeds subscribed before a disconnect are subscribed again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("client closed: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", Subprotocol)
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, header)
	cancel()
	if err != nil {
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("failed to connect to %s (HTTP %d): %w", c.opts.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.opts.URL, err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		c.mu.Unlock()
		return err
	}

	c.conn = conn
	c.mu.Unlock()

	c.setHealthy(true)
	logger.WithField("url", c.opts.URL).Info("Connected to Bitquery stream")

	go c.readMessages(conn)
	go c.keepAlive(conn)

	c.resubscribeAll()
	return nil
}

// handshake sends connection_init and waits for connection_ack.
func (c *Client) handshake(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(Message{Type: MessageTypeConnectionInit, Payload: json.RawMessage(`{}`)}); err != nil {
		return fmt.Errorf("failed to send connection_init: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.AckTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed waiting for connection_ack: %w", err)
		}
		switch msg.Type {
		case MessageTypeConnectionAck:
			return nil
		case MessageTypePing:
			if err := conn.WriteJSON(Message{Type: MessageTypePong}); err != nil {
				return fmt.Errorf("failed to send pong: %w", err)
			}
		case MessageTypeError:
			return fmt.Errorf("connection rejected: %s", string(msg.Payload))
		}
	}
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// readMessages continuously reads messages from conn until it fails.
func (c *Client) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			// A connection closed by Disconnect is no longer current.
			if c.dropConn(conn) {
				logger.WithError(err).Warn("Error reading message")
				go c.reconnect()
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WithError(err).Warn("Failed to parse upstream message")
		return
	}

	switch msg.Type {
	case MessageTypeNext:
		feed, ok := c.feedFor(msg.ID)
		if !ok {
			return
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.UpstreamMessages.Inc()
		}

		var payload NextPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.WithError(err).WithField("feed", feed).Warn("Failed to parse next payload")
			return
		}
		if len(payload.Errors) > 0 {
			c.notifyError(feed, fmt.Errorf("upstream error: %s", JoinErrors(payload.Errors)))
			return
		}
		if c.opts.Handler != nil {
			if err := c.opts.Handler(feed, payload.Data); err != nil {
				logger.WithError(err).WithField("feed", feed).Warn("Error handling message")
			}
		}

	case MessageTypeError:
		feed, ok := c.forget(msg.ID)
		if !ok {
			return
		}
		var errs []GraphQLError
		if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) == 0 {
			errs = []GraphQLError{{Message: string(msg.Payload)}}
		}
		c.notifyError(feed, fmt.Errorf("%w: %s", ErrRejected, JoinErrors(errs)))

	case MessageTypeComplete:
		if feed, ok := c.forget(msg.ID); ok {
			c.notifyError(feed, ErrCompleted)
		}

	case MessageTypePing:
		if err := c.send(Message{Type: MessageTypePong}); err != nil {
			logger.WithError(err).Warn("Failed to send pong")
		}
	}
}

func (c *Client) notifyError(feed string, err error) {
	logger.WithError(err).WithField("feed", feed).Warn("Feed error")
	if c.opts.OnError != nil {
		c.opts.OnError(feed, err)
	}
}

// keepAlive sends protocol pings on conn until it is replaced or closed.
func (c *Client) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			c.mu.RUnlock()
			if current != conn {
				return
			}
			if err := c.send(Message{Type: MessageTypePing}); err != nil {
				logger.WithError(err).Warn("Failed to send ping")
			}
		}
	}
}

// dropConn clears conn if it is still current and reports whether it was.
func (c *Client) dropConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.Close()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	c.setHealthy(false)
	return true
}

// reconnect attempts to reconnect with linear backoff
func (c *Client) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for attempt := 1; attempt <= c.opts.MaxReconnect; attempt++ {
		delay := c.opts.ReconnectDelay * time.Duration(attempt)
		logger.Infof("Reconnecting in %v (attempt %d/%d)", delay, attempt, c.opts.MaxReconnect)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		if c.opts.Metrics != nil {
			c.opts.Metrics.UpstreamReconnects.Inc()
		}
		if err := c.Connect(c.ctx); err != nil {
			logger.WithError(err).Warnf("Reconnect attempt %d failed", attempt)
			continue
		}
		logger.Info("Reconnected successfully")
		return
	}

	logger.Errorf("Failed to reconnect after %d attempts", c.opts.MaxReconnect)
}

// Subscribe starts the trade subscription for each feed key, connecting first
// when needed. Feeds already subscribed are skipped.
func (c *Client) Subscribe(feeds []string) error {
	if !c.Connected() {
		if err := c.Connect(c.ctx); err != nil {
			return err
		}
	}

	for _, key := range feeds {
		c.subscribedMu.RLock()
		_, exists := c.subscribed[key]
		c.subscribedMu.RUnlock()
		if exists {
			continue
		}
		if err := c.startSubscription(key); err != nil {
			return err
		}
	}

	logger.WithField("feeds", feeds).Info("Subscribed to feeds")
	return nil
}

func (c *Client) startSubscription(key string) error {
	feed, err := market.ParseFeed(key)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", key, err)
	}

	payload, err := json.Marshal(TradesRequest(feed))
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe payload: %w", err)
	}

	// Register before sending so an immediate reply finds its feed.
	id := uuid.NewString()
	c.subscribedMu.Lock()
	old, hadOld := c.subscribed[key]
	if hadOld {
		delete(c.operations, old)
	}
	c.subscribed[key] = id
	c.operations[id] = key
	c.subscribedMu.Unlock()

	if err := c.send(Message{ID: id, Type: MessageTypeSubscribe, Payload: payload}); err != nil {
		c.subscribedMu.Lock()
		delete(c.operations, id)
		if hadOld {
			c.subscribed[key] = old
			c.operations[old] = key
		} else {
			delete(c.subscribed, key)
		}
		c.subscribedMu.Unlock()
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}
	return nil
}

// Unsubscribe completes the subscription of each feed key. Local state is
// dropped even when the connection is down.
func (c *Client) Unsubscribe(feeds []string) error {
	var sendErr error
	for _, key := range feeds {
		c.subscribedMu.Lock()
		id, ok := c.subscribed[key]
		if ok {
			delete(c.subscribed, key)
			delete(c.operations, id)
		}
		c.subscribedMu.Unlock()
		if !ok {
			continue
		}

		if err := c.send(Message{ID: id, Type: MessageTypeComplete}); err != nil && !errors.Is(err, ErrNotConnected) {
			sendErr = fmt.Errorf("failed to send complete message: %w", err)
		}
	}

	logger.WithField("feeds", feeds).Info("Unsubscribed from feeds")
	return sendErr
}

// GetSubscribed returns the list of currently subscribed feeds
func (c *Client) GetSubscribed() []string {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()

	feeds := make([]string, 0, len(c.subscribed))
	for feed := range c.subscribed {
		feeds = append(feeds, feed)
	}
	return feeds
}

// resubscribeAll resubscribes every known feed with fresh operation ids
func (c *Client) resubscribeAll() {
	feeds := c.GetSubscribed()
	if len(feeds) == 0 {
		return
	}
	logger.Infof("Resubscribing to %d feeds", len(feeds))
	for _, key := range feeds {
		if err := c.startSubscription(key); err != nil {
			logger.WithError(err).WithField("feed", key).Warn("Failed to resubscribe")
		}
	}
}

func (c *Client) feedFor(id string) (string, bool) {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	feed, ok := c.operations[id]
	return feed, ok
}

func (c *Client) forget(id string) (string, bool) {
	c.subscribedMu.Lock()
	defer c.subscribedMu.Unlock()
	feed, ok := c.operations[id]
	if ok {
		delete(c.operations, id)
		delete(c.subscribed, feed)
	}
	return feed, ok
}

func (c *Client) send(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (c *Client) setHealthy(healthy bool) {
	if c.opts.Health != nil {
		c.opts.Health.SetUpstreamHealthy(healthy)
	}
}

// Close gracefully closes the connection and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeConn()
}

// Disconnect closes the connection but keeps the client usable: the next
// Connect or Subscribe dials again. Subscriptions are dropped.
func (c *Client) Disconnect() error {
	c.subscribedMu.Lock()
	c.subscribed = make(map[string]string)
	c.operations = make(map[string]string)
	c.subscribedMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		logger.WithField("url", c.opts.URL).Info("No feeds wanted, disconnecting from Bitquery stream")
	}
	return c.closeConn()
}

// closeConn sends a close frame and closes the current connection. The
// caller holds c.mu. Clearing c.conn first keeps the reader from reconnecting.
func (c *Client) closeConn() error {
	conn := c.conn
	if conn == nil {
		return nil
	}
	c.conn = nil
	c.setHealthy(false)

	c.writeMu.Lock()
	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()
	if err != nil {
		logger.WithError(err).Debug("Error sending close message")
	}
	return conn.Close()
}
