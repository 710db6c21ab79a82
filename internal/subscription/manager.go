package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/common"
	"github.com/supermancell/bitquery-chart/internal/market"
	"github.com/supermancell/bitquery-chart/internal/metrics"
)

var logger = log.WithField("component", "subscription")

// ErrFeedLimit is reported for wanted feeds beyond MaxFeeds.
var ErrFeedLimit = errors.New("upstream feed limit reached, feed not streamed")

// DefaultSuspendFor is how long a rejected feed is left out of the desired set.
const DefaultSuspendFor = 5 * time.Minute

// DemandSource reports the feeds connected clients currently need
type DemandSource interface {
	Feeds() []string
}

// PinnedReader interface for reading pinned channels from Redis
type PinnedReader interface {
	PinnedChannels(ctx context.Context, key string) ([]string, error)
}

// Options configures a SubscriptionManager.
type Options struct {
	Client       common.FeedClient
	Demand       DemandSource
	Pinned       PinnedReader // optional
	PinnedKey    string
	PollInterval time.Duration
	MaxFeeds     int
	SuspendFor   time.Duration
	Metrics      *metrics.Metrics

	// OnFeedError is told about wanted feeds that are not streamed because of
	// the MaxFeeds cap, once per feed each time it falls over the cap.
	OnFeedError common.FeedErrorHandler
}

// SubscriptionManager keeps the upstream subscriptions equal to client demand
// plus the pinned channels, re-syncing on demand changes and on a timer.
type SubscriptionManager struct {
	opts    Options
	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	pinned   []market.Channel
	pinnedMu sync.RWMutex

	suspended map[string]time.Time // feed -> resume time
	dropped   map[string]bool
	stateMu   sync.Mutex
	now       func() time.Time

	stopOnce sync.Once
	started  atomic.Bool
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager(opts Options) *SubscriptionManager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.MaxFeeds <= 0 {
		opts.MaxFeeds = 25
	}
	if opts.SuspendFor <= 0 {
		opts.SuspendFor = DefaultSuspendFor
	}
	return &SubscriptionManager{
		opts:      opts,
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		suspended: make(map[string]time.Time),
		dropped:   make(map[string]bool),
		now:       time.Now,
	}
}

// Start runs an initial sync and then keeps syncing until Stop is called or
// ctx is cancelled. Sync failures are logged, never fatal.
func (sm *SubscriptionManager) Start(ctx context.Context) {
	if !sm.started.CompareAndSwap(false, true) {
		return
	}
	go sm.loop(ctx)
}

// Stop stops the subscription manager and waits for the loop to exit.
func (sm *SubscriptionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
	if sm.started.Load() {
		<-sm.done
	}
}

// Trigger requests a sync without blocking. Multiple triggers coalesce.
func (sm *SubscriptionManager) Trigger() {
	select {
	case sm.trigger <- struct{}{}:
	default:
	}
}

// Suspend leaves feed out of the desired set for SuspendFor. It is used for
// feeds the upstream rejected, so they are not retried on every sync.
func (sm *SubscriptionManager) Suspend(feed string) {
	sm.stateMu.Lock()
	sm.suspended[feed] = sm.now().Add(sm.opts.SuspendFor)
	sm.stateMu.Unlock()
	logger.WithFields(log.Fields{"feed": feed, "for": sm.opts.SuspendFor}).Warn("Feed suspended")
}

// Pinned returns the pinned channels read on the last sync.
func (sm *SubscriptionManager) Pinned() []market.Channel {
	sm.pinnedMu.RLock()
	defer sm.pinnedMu.RUnlock()
	out := make([]market.Channel, len(sm.pinned))
	copy(out, sm.pinned)
	return out
}

func (sm *SubscriptionManager) loop(ctx context.Context) {
	defer close(sm.done)

	ticker := time.NewTicker(sm.opts.PollInterval)
	defer ticker.Stop()

	if err := sm.Sync(ctx); err != nil {
		logger.WithError(err).Warn("Initial subscription sync failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.stop:
			return
		case <-sm.trigger:
		case <-ticker.C:
		}
		if err := sm.Sync(ctx); err != nil {
			logger.WithError(err).Warn("Error syncing subscriptions")
		}
	}
}

// Sync synchronizes the upstream subscriptions with the desired set once.
// With nothing desired the upstream connection is closed.
func (sm *SubscriptionManager) Sync(ctx context.Context) error {
	desired := sm.desiredFeeds(ctx)

	var dropped []string
	if len(desired) > sm.opts.MaxFeeds {
		logger.Warnf("%d feeds requested, limiting to %d", len(desired), sm.opts.MaxFeeds)
		dropped = desired[sm.opts.MaxFeeds:]
		desired = desired[:sm.opts.MaxFeeds]
	}
	sm.reportDropped(dropped)

	if len(desired) > 0 && !sm.opts.Client.Connected() {
		if err := sm.opts.Client.Connect(ctx); err != nil {
			return err
		}
	}

	current := sm.opts.Client.GetSubscribed()
	toSubscribe := difference(desired, current)
	toUnsubscribe := difference(current, desired)

	if len(toSubscribe) > 0 || len(toUnsubscribe) > 0 {
		logger.Infof("Demand changed: subscribing to %d feeds, unsubscribing from %d feeds", len(toSubscribe), len(toUnsubscribe))
	}

	// Unsubscribe first
	if len(toUnsubscribe) > 0 {
		if err := sm.opts.Client.Unsubscribe(toUnsubscribe); err != nil {
			logger.WithError(err).Warn("Failed to unsubscribe")
		}
	}

	// Then subscribe to new ones
	if len(toSubscribe) > 0 {
		if err := sm.opts.Client.Subscribe(toSubscribe); err != nil {
			return err
		}
	}

	if len(desired) == 0 && sm.opts.Client.Connected() {
		if err := sm.opts.Client.Disconnect(); err != nil {
			logger.WithError(err).Warn("Failed to disconnect idle upstream")
		}
	}

	if sm.opts.Metrics != nil {
		sm.opts.Metrics.Subscriptions.Set(float64(len(sm.opts.Client.GetSubscribed())))
	}
	return nil
}

// reportDropped notifies feeds that newly fell over the cap.
func (sm *SubscriptionManager) reportDropped(dropped []string) {
	next := make(map[string]bool, len(dropped))
	var fresh []string
	sm.stateMu.Lock()
	for _, f := range dropped {
		next[f] = true
		if !sm.dropped[f] {
			fresh = append(fresh, f)
		}
	}
	sm.dropped = next
	sm.stateMu.Unlock()

	if sm.opts.OnFeedError == nil {
		return
	}
	for _, f := range fresh {
		sm.opts.OnFeedError(f, ErrFeedLimit)
	}
}

// isSuspended reports whether feed is suspended, forgetting expired entries.
func (sm *SubscriptionManager) isSuspended(feed string) bool {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	until, ok := sm.suspended[feed]
	if !ok {
		return false
	}
	if !sm.now().Before(until) {
		delete(sm.suspended, feed)
		return false
	}
	return true
}

// desiredFeeds returns client demand first, then pinned feeds, deduplicated
// and without suspended feeds. Demand comes first so it survives the MaxFeeds
// cap.
func (sm *SubscriptionManager) desiredFeeds(ctx context.Context) []string {
	demand := sm.opts.Demand.Feeds()
	sort.Strings(demand)

	seen := make(map[string]bool, len(demand))
	feeds := make([]string, 0, len(demand))
	for _, f := range demand {
		if !seen[f] && !sm.isSuspended(f) {
			seen[f] = true
			feeds = append(feeds, f)
		}
	}

	for _, ch := range sm.readPinned(ctx) {
		f := ch.Feed.Key()
		if !seen[f] && !sm.isSuspended(f) {
			seen[f] = true
			feeds = append(feeds, f)
		}
	}
	return feeds
}

// readPinned refreshes the pinned channels. On a Redis error the previous
// set is kept.
func (sm *SubscriptionManager) readPinned(ctx context.Context) []market.Channel {
	if sm.opts.Pinned == nil {
		return nil
	}

	keys, err := sm.opts.Pinned.PinnedChannels(ctx, sm.opts.PinnedKey)
	if err != nil {
		logger.WithError(err).Warn("Failed to read pinned channels")
		return sm.Pinned()
	}

	sort.Strings(keys)
	channels := make([]market.Channel, 0, len(keys))
	for _, key := range keys {
		ch, err := market.ParseChannel(key)
		if err != nil {
			logger.WithError(err).WithField("key", key).Warn("Ignoring malformed pinned channel")
			continue
		}
		channels = append(channels, ch)
	}

	sm.pinnedMu.Lock()
	sm.pinned = channels
	sm.pinnedMu.Unlock()
	return channels
}

// difference returns elements in a that are not in b
func difference(a, b []string) []string {
	mb := make(map[string]bool, len(b))
	for _, x := range b {
		mb[x] = true
	}

	var diff []string
	for _, x := range a {
		if !mb[x] {
			diff = append(diff, x)
		}
	}
	return diff
}
