// Package store caches recent bars per channel so that a newly subscribed
// chart gets history immediately and a restart can continue the open candle.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/supermancell/bitquery-chart/internal/candle"
)

// DefaultMaxBars is how many bars are kept per channel.
const DefaultMaxBars = 500

// BarStore persists bars keyed by channel and bar time.
type BarStore interface {
	// SaveBar inserts bar or replaces the bar with the same time.
	SaveBar(ctx context.Context, channel string, bar candle.Bar) error
	// RecentBars returns up to n most recent bars, oldest first.
	RecentBars(ctx context.Context, channel string, n int) ([]candle.Bar, error)
	Close() error
}

// Memory is an in-process BarStore bounded to maxBars per channel.
type Memory struct {
	maxBars int
	bars    map[string][]candle.Bar
	mu      sync.RWMutex
}

// NewMemory creates an empty in-memory store. maxBars <= 0 means DefaultMaxBars.
func NewMemory(maxBars int) *Memory {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}
	return &Memory{
		maxBars: maxBars,
		bars:    make(map[string][]candle.Bar),
	}
}

// SaveBar implements BarStore.
func (m *Memory) SaveBar(_ context.Context, channel string, bar candle.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bars := m.bars[channel]
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Time >= bar.Time })
	if i < len(bars) && bars[i].Time == bar.Time {
		bars[i] = bar
		return nil
	}

	bars = append(bars, candle.Bar{})
	copy(bars[i+1:], bars[i:])
	bars[i] = bar
	if len(bars) > m.maxBars {
		bars = bars[len(bars)-m.maxBars:]
	}
	m.bars[channel] = bars
	return nil
}

// RecentBars implements BarStore.
func (m *Memory) RecentBars(_ context.Context, channel string, n int) ([]candle.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := m.bars[channel]
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]candle.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// Close implements BarStore.
func (m *Memory) Close() error { return nil }

// Multi writes to every store and reads from the first one that answers
// without error.
type Multi []BarStore

// SaveBar implements BarStore. All stores are attempted; errors are joined.
func (ms Multi) SaveBar(ctx context.Context, channel string, bar candle.Bar) error {
	var errs []error
	for _, s := range ms {
		if err := s.SaveBar(ctx, channel, bar); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecentBars implements BarStore.
func (ms Multi) RecentBars(ctx context.Context, channel string, n int) ([]candle.Bar, error) {
	var errs []error
	for _, s := range ms {
		bars, err := s.RecentBars(ctx, channel, n)
		if err == nil {
			return bars, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Close implements BarStore.
func (ms Multi) Close() error {
	var errs []error
	for _, s := range ms {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
