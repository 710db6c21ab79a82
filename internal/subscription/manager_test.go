package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	feedA = "eth:0xdac17f958d2ee523a2206206994597c13d831ec7"
	feedB = "bsc:0x55d398326f99059ff775485246999027b3197955"
)

type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	subs        map[string]bool
	subCalls    [][]string
	unsubCalls  [][]string
	disconnects int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: map[string]bool{}}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Subscribe(feeds []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls = append(f.subCalls, feeds)
	for _, x := range feeds {
		f.subs[x] = true
	}
	return nil
}

func (f *fakeClient) Unsubscribe(feeds []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, feeds)
	for _, x := range feeds {
		delete(f.subs, x)
	}
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	f.subs = map[string]bool{}
	return nil
}

func (f *fakeClient) GetSubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for x := range f.subs {
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}

type fakeDemand struct {
	mu    sync.Mutex
	feeds []string
}

func (d *fakeDemand) set(feeds ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feeds = feeds
}

func (d *fakeDemand) Feeds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.feeds...)
}

type fakePinned struct {
	keys []string
	err  error
}

func (p *fakePinned) PinnedChannels(context.Context, string) ([]string, error) {
	return p.keys, p.err
}

func TestSync_FollowsDemand(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand})
	ctx := context.Background()

	// No demand: no connection is opened.
	require.NoError(t, sm.Sync(ctx))
	assert.False(t, client.Connected())

	demand.set(feedA, feedB)
	require.NoError(t, sm.Sync(ctx))
	assert.True(t, client.Connected())
	assert.Equal(t, []string{feedB, feedA}, client.GetSubscribed())

	demand.set(feedB)
	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, []string{feedB}, client.GetSubscribed())
	assert.Equal(t, [][]string{{feedA}}, client.unsubCalls)
}

func TestSync_PinnedChannels(t *testing.T) {
	client := newFakeClient()
	pinned := &fakePinned{keys: []string{feedA + ":60", feedA + ":3600", "garbage"}}
	sm := NewSubscriptionManager(Options{Client: client, Demand: &fakeDemand{}, Pinned: pinned, PinnedKey: "k"})

	require.NoError(t, sm.Sync(context.Background()))
	assert.Equal(t, []string{feedA}, client.GetSubscribed(), "two intervals of one feed share one upstream subscription")
	assert.Len(t, sm.Pinned(), 2)

	// A Redis failure keeps the previous pinned set.
	pinned.err = errors.New("redis down")
	require.NoError(t, sm.Sync(context.Background()))
	assert.Equal(t, []string{feedA}, client.GetSubscribed())
	assert.Len(t, sm.Pinned(), 2)
}

func TestSync_MaxFeeds(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	demand.set(feedA, feedB)
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand, MaxFeeds: 1})

	require.NoError(t, sm.Sync(context.Background()))
	assert.Equal(t, []string{feedB}, client.GetSubscribed())
}

func TestSync_DisconnectsWhenIdle(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	demand.set(feedA)
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand})
	ctx := context.Background()

	require.NoError(t, sm.Sync(ctx))
	require.True(t, client.Connected())

	demand.set()
	require.NoError(t, sm.Sync(ctx))
	assert.False(t, client.Connected())
	assert.Empty(t, client.GetSubscribed())
	assert.Equal(t, [][]string{{feedA}}, client.unsubCalls)
	assert.Equal(t, 1, client.disconnects)

	// Already idle: nothing more to do.
	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, 1, client.disconnects)

	demand.set(feedA)
	require.NoError(t, sm.Sync(ctx))
	assert.True(t, client.Connected())
	assert.Equal(t, []string{feedA}, client.GetSubscribed())
}

type feedErrors struct {
	mu   sync.Mutex
	errs map[string][]error
}

func (r *feedErrors) record(feed string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil {
		r.errs = map[string][]error{}
	}
	r.errs[feed] = append(r.errs[feed], err)
}

func (r *feedErrors) count(feed string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs[feed])
}

func TestSync_MaxFeedsReportsDropped(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	demand.set(feedA, feedB)
	rec := &feedErrors{}
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand, MaxFeeds: 1, OnFeedError: rec.record})
	ctx := context.Background()

	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, []string{feedB}, client.GetSubscribed())
	require.Equal(t, 1, rec.count(feedA))
	assert.ErrorIs(t, rec.errs[feedA][0], ErrFeedLimit)
	assert.Zero(t, rec.count(feedB))

	// Still over the cap: reported once, not on every sync.
	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, 1, rec.count(feedA))

	// Back under the cap, then over again: reported again.
	demand.set(feedB)
	require.NoError(t, sm.Sync(ctx))
	demand.set(feedA, feedB)
	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, 2, rec.count(feedA))
}

func TestSync_SuspendedFeedSkippedUntilExpiry(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	demand.set(feedA, feedB)
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand, SuspendFor: time.Minute})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, sm.Sync(ctx))
	require.Equal(t, []string{feedB, feedA}, client.GetSubscribed())

	// The upstream rejected feedA and dropped it from the client.
	require.NoError(t, client.Unsubscribe([]string{feedA}))
	sm.Suspend(feedA)

	now = now.Add(30 * time.Second)
	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, []string{feedB}, client.GetSubscribed())
	assert.Len(t, client.subCalls, 1, "suspended feed is not resubscribed")

	now = now.Add(31 * time.Second)
	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, []string{feedB, feedA}, client.GetSubscribed())
	assert.Equal(t, []string{feedA}, client.subCalls[1])
}

func TestSync_SuspendedFeedFreesCapSlot(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	demand.set(feedA, feedB)
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand, MaxFeeds: 1})

	sm.Suspend(feedB)
	require.NoError(t, sm.Sync(context.Background()))
	assert.Equal(t, []string{feedA}, client.GetSubscribed())
}

func TestSync_ConnectError(t *testing.T) {
	client := newFakeClient()
	client.connectErr = errors.New("refused")
	demand := &fakeDemand{}
	demand.set(feedA)
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand})

	assert.Error(t, sm.Sync(context.Background()))
	assert.Empty(t, client.GetSubscribed())
}

func TestStart_TriggerResyncs(t *testing.T) {
	client := newFakeClient()
	demand := &fakeDemand{}
	sm := NewSubscriptionManager(Options{Client: client, Demand: demand, PollInterval: time.Hour})
	sm.Start(context.Background())
	defer sm.Stop()

	demand.set(feedA)
	sm.Trigger()
	require.Eventually(t, func() bool {
		return len(client.GetSubscribed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStop_WithoutStart(t *testing.T) {
	sm := NewSubscriptionManager(Options{Client: newFakeClient(), Demand: &fakeDemand{}})
	assert.NotPanics(t, sm.Stop)
}

func TestDifference(t *testing.T) {
	assert.Equal(t, []string{"a"}, difference([]string{"a", "b"}, []string{"b", "c"}))
	assert.Nil(t, difference([]string{"a"}, []string{"a"}))
}
