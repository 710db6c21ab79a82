// Package stream is the streaming delegate: a WebSocket server that relays
// Bitquery DEX trades to chart clients as OHLC bars. Given a port and an API
// key it binds the port, serves chart clients, and opens the upstream stream
// only while some channel is wanted.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/candle"
	"github.com/supermancell/bitquery-chart/internal/health"
	"github.com/supermancell/bitquery-chart/internal/market"
	"github.com/supermancell/bitquery-chart/internal/metrics"
	"github.com/supermancell/bitquery-chart/internal/store"
	"github.com/supermancell/bitquery-chart/internal/subscription"
	"github.com/supermancell/bitquery-chart/internal/upstream"
	"github.com/supermancell/bitquery-chart/internal/wshub"
)

// DefaultSnapshotBars is how many cached bars accompany a subscribe reply.
const DefaultSnapshotBars = 300

var (
	ErrAlreadyStarted = errors.New("streaming server already initialized")
	ErrInvalidPort    = errors.New("invalid port")
)

var logger = log.WithField("component", "stream")

// Options configures a Server. Port and APIKey are the only required inputs.
type Options struct {
	Port      int
	APIKey    string
	APIKeySet bool

	StreamURL string
	Dialer    upstream.Dialer

	Store        store.BarStore // defaults to an in-memory store
	Pinned       subscription.PinnedReader
	PinnedKey    string
	PollInterval time.Duration
	MaxFeeds     int
	SnapshotBars int

	// SuspendFor is how long a rejected or completed feed is left alone
	// before it is subscribed again.
	SuspendFor time.Duration

	Health  *health.Status
	Metrics *metrics.Metrics

	// RedisPinger, when set, is health-checked for the lifetime of the server
	// and reported under /health.
	RedisPinger   health.Pinger
	CheckInterval time.Duration
}

// Server is the streaming delegate.
type Server struct {
	opts Options

	hub      *wshub.Hub
	upstream *upstream.Client
	syncer   *subscription.SubscriptionManager
	http     *http.Server

	aggregators map[string]*candle.Aggregator
	aggMu       sync.Mutex

	listener net.Listener
	cancel   context.CancelFunc
	hubDone  chan struct{}
	workers  sync.WaitGroup
	mu       sync.Mutex
}

// NewServer validates opts and wires the server. Nothing is bound until Init.
func NewServer(opts Options) (*Server, error) {
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, opts.Port)
	}
	if opts.StreamURL == "" {
		return nil, errors.New("stream URL is required")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory(store.DefaultMaxBars)
	}
	if opts.Health == nil {
		opts.Health = &health.Status{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.SnapshotBars <= 0 {
		opts.SnapshotBars = DefaultSnapshotBars
	}
	if !opts.APIKeySet || opts.APIKey == "" {
		logger.Warn("BITQUERY_OAUTH_TOKEN is not set; upstream subscriptions will be rejected")
	}

	s := &Server{
		opts:        opts,
		aggregators: make(map[string]*candle.Aggregator),
	}

	s.upstream = upstream.NewClient(upstream.Options{
		URL:     opts.StreamURL,
		APIKey:  opts.APIKey,
		Dialer:  opts.Dialer,
		Handler: s.handleFeed,
		OnError: s.handleFeedError,
		Health:  opts.Health,
		Metrics: opts.Metrics,
	})

	s.hub = wshub.NewHub(wshub.Options{
		OnDemandChange: func() { s.syncer.Trigger() },
		Snapshot:       s.snapshot,
		Metrics:        opts.Metrics,
	})

	s.syncer = subscription.NewSubscriptionManager(subscription.Options{
		Client:       s.upstream,
		Demand:       s.hub,
		Pinned:       opts.Pinned,
		PinnedKey:    opts.PinnedKey,
		PollInterval: opts.PollInterval,
		MaxFeeds:     opts.MaxFeeds,
		SuspendFor:   opts.SuspendFor,
		Metrics:      opts.Metrics,
		OnFeedError:  s.hub.BroadcastFeedError,
	})

	r := mux.NewRouter()
	r.Handle("/health", opts.Health)
	r.Handle("/metrics", opts.Metrics.Handler())
	r.PathPrefix("/").Handler(s.hub)
	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Init binds the port and starts serving. It must be called exactly once;
// a bind failure is returned to the caller.
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to bind streaming server on port %d: %w", s.opts.Port, err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.hubDone = make(chan struct{})

	go func() {
		defer close(s.hubDone)
		s.hub.Run(runCtx)
	}()
	s.syncer.Start(runCtx)
	if s.opts.RedisPinger != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.opts.Health.WatchRedis(runCtx, s.opts.RedisPinger, s.opts.CheckInterval)
		}()
	}

	go func() {
		logger.WithField("addr", ln.Addr().String()).Info("Streaming server listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Streaming server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Init.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops serving, disconnects clients and the upstream, and closes the
// store.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return s.opts.Store.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("streaming server shutdown: %w", err))
	}
	s.syncer.Stop()
	s.cancel()
	<-s.hubDone
	s.workers.Wait()
	if err := s.upstream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("upstream close: %w", err))
	}
	if err := s.opts.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	s.listener = nil
	return errors.Join(errs...)
}

// handleFeed folds a trade batch into every wanted channel of feed and
// broadcasts the bars that changed.
func (s *Server) handleFeed(feed string, data []byte) error {
	trades, err := candle.ParseTrades(data)
	if err != nil {
		return fmt.Errorf("failed to parse trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	for _, ch := range s.channelsFor(feed) {
		key := ch.Key()
		for _, bar := range s.aggregator(ch).Add(trades) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.opts.Store.SaveBar(ctx, key, bar); err != nil {
				s.opts.Metrics.StoreErrors.Inc()
				logger.WithError(err).WithField("channel", key).Warn("Failed to store bar")
			}
			cancel()

			s.hub.BroadcastBar(key, bar)
			s.opts.Metrics.BarsEmitted.Inc()
		}
	}
	return nil
}

// handleFeedError tells the feed's clients, and holds back a feed the
// upstream refused or ended so it is not resubscribed on every sync.
func (s *Server) handleFeedError(feed string, err error) {
	if errors.Is(err, upstream.ErrRejected) || errors.Is(err, upstream.ErrCompleted) {
		s.syncer.Suspend(feed)
	}
	s.hub.BroadcastFeedError(feed, err)
}

// channelsFor returns the demanded and pinned channels built on feed.
func (s *Server) channelsFor(feed string) []market.Channel {
	seen := make(map[string]bool)
	var channels []market.Channel
	add := func(ch market.Channel) {
		if ch.Feed.Key() == feed && !seen[ch.Key()] {
			seen[ch.Key()] = true
			channels = append(channels, ch)
		}
	}
	for _, ch := range s.hub.Demand() {
		add(ch)
	}
	for _, ch := range s.syncer.Pinned() {
		add(ch)
	}
	return channels
}

// aggregator returns the channel's aggregator, seeding a new one with the
// latest cached bar.
func (s *Server) aggregator(ch market.Channel) *candle.Aggregator {
	key := ch.Key()

	s.aggMu.Lock()
	agg, ok := s.aggregators[key]
	if !ok {
		agg = candle.NewAggregator(ch.Interval)
		s.aggregators[key] = agg
	}
	s.aggMu.Unlock()

	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bars, err := s.opts.Store.RecentBars(ctx, key, 1)
		cancel()
		if err == nil && len(bars) == 1 {
			agg.Seed(bars[0])
		}
	}
	return agg
}

func (s *Server) snapshot(ctx context.Context, channel string) []candle.Bar {
	bars, err := s.opts.Store.RecentBars(ctx, channel, s.opts.SnapshotBars)
	if err != nil {
		logger.WithError(err).WithField("channel", channel).Warn("Failed to read cached bars")
		return nil
	}
	return bars
}
