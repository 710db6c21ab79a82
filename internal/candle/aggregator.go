package candle

import (
	"sort"
	"sync"
)

// Bar is an OHLCV candle. Time is the bucket start in unix milliseconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Aggregator folds trades into bars of a fixed interval. It keeps the current
// bar and the one before it; late trades for older buckets are dropped.
type Aggregator struct {
	interval int64 // bucket width in milliseconds
	current  *Bar
	previous *Bar
	mu       sync.Mutex
}

// NewAggregator creates an aggregator for intervalSeconds wide bars.
func NewAggregator(intervalSeconds int) *Aggregator {
	return &Aggregator{interval: int64(intervalSeconds) * 1000}
}

// BucketStart returns the start of the bucket containing ms.
func (a *Aggregator) BucketStart(ms int64) int64 {
	return ms - ms%a.interval
}

// Seed sets the current bar, typically from the bar cache, so that a restart
// continues the open candle instead of starting a new one.
func (a *Aggregator) Seed(b Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.current.Time >= b.Time {
		return
	}
	a.previous = a.current
	bc := b
	a.current = &bc
}

// Last returns the current bar.
func (a *Aggregator) Last() (Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Bar{}, false
	}
	return *a.current, true
}

// Add folds trades into the bars and returns every bar that changed, oldest
// first.
func (a *Aggregator) Add(trades []Trade) []Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := make(map[int64]*Bar)
	for _, tr := range trades {
		bucket := a.BucketStart(tr.Time.UnixMilli())

		var bar *Bar
		switch {
		case a.current == nil || bucket > a.current.Time:
			a.previous = a.current
			a.current = &Bar{Time: bucket, Open: tr.Price, High: tr.Price, Low: tr.Price}
			bar = a.current
		case bucket == a.current.Time:
			bar = a.current
		case a.previous != nil && bucket == a.previous.Time:
			bar = a.previous
		default:
			continue
		}

		if tr.Price > bar.High {
			bar.High = tr.Price
		}
		if tr.Price < bar.Low {
			bar.Low = tr.Price
		}
		bar.Close = tr.Price
		bar.Volume += tr.Amount
		changed[bar.Time] = bar
	}

	bars := make([]Bar, 0, len(changed))
	for _, b := range changed {
		bars = append(bars, *b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })
	return bars
}
