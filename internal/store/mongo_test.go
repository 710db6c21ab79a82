package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermancell/bitquery-chart/internal/candle"
)

// newTestMongo connects to MONGO_URI with a throwaway database.
func newTestMongo(t *testing.T) *Mongo {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	m, err := NewMongo(context.Background(), uri, "bitquery_chart_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		m.database.Drop(context.Background())
		m.Close()
	})
	return m
}

func TestMongo_SaveAndRecent(t *testing.T) {
	ctx := context.Background()
	m := newTestMongo(t)

	for _, ts := range []int64{120000, 0, 60000} {
		require.NoError(t, m.SaveBar(ctx, channel, candle.Bar{Time: ts, Open: 1, High: 2, Low: 0.5, Close: float64(ts), Volume: 3}))
	}
	require.NoError(t, m.SaveBar(ctx, "other", candle.Bar{Time: 180000}))

	bars, err := m.RecentBars(ctx, channel, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 60000, 120000}, times(bars), "oldest first, other channels excluded")
	assert.Equal(t, candle.Bar{Time: 60000, Open: 1, High: 2, Low: 0.5, Close: 60000, Volume: 3}, bars[1])

	bars, err = m.RecentBars(ctx, channel, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{60000, 120000}, times(bars))
}

func TestMongo_ReplacesSameTime(t *testing.T) {
	ctx := context.Background()
	m := newTestMongo(t)

	require.NoError(t, m.SaveBar(ctx, channel, candle.Bar{Time: 60000, Close: 1}))
	require.NoError(t, m.SaveBar(ctx, channel, candle.Bar{Time: 60000, Close: 2}))

	bars, err := m.RecentBars(ctx, channel, 10)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 2.0, bars[0].Close)
}
