package candle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "EVM": {
    "DEXTrades": [
      {"Block": {"Time": "2024-05-01T10:00:30Z"}, "Trade": {"Buy": {"Amount": "2.5", "Price": 101.5}}},
      {"Block": {"Time": "2024-05-01T10:00:05Z"}, "Trade": {"Buy": {"Amount": "1", "Price": "100"}}},
      {"Block": {"Time": "2024-05-01T10:00:40Z"}, "Trade": {"Buy": {"Amount": "3", "Price": 0}}}
    ]
  }
}`

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseTrades(t *testing.T) {
	trades, err := ParseTrades([]byte(samplePayload))
	require.NoError(t, err)
	require.Len(t, trades, 2, "zero price trade is skipped")

	assert.Equal(t, at("2024-05-01T10:00:05Z"), trades[0].Time)
	assert.Equal(t, 100.0, trades[0].Price)
	assert.Equal(t, 1.0, trades[0].Amount)
	assert.Equal(t, 101.5, trades[1].Price)
	assert.Equal(t, 2.5, trades[1].Amount)
}

func TestParseTrades_Errors(t *testing.T) {
	_, err := ParseTrades([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseTrades([]byte(`{"EVM":{"DEXTrades":[{"Block":{"Time":"yesterday"}}]}}`))
	assert.Error(t, err)

	_, err = ParseTrades([]byte(`{"EVM":{"DEXTrades":[{"Block":{"Time":"2024-05-01T10:00:00Z"},"Trade":{"Buy":{"Price":"abc"}}}]}}`))
	assert.Error(t, err)
}

func TestParseTrades_Empty(t *testing.T) {
	trades, err := ParseTrades([]byte(`{"EVM":{"DEXTrades":[]}}`))
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestAggregator_BuildsBars(t *testing.T) {
	agg := NewAggregator(60)

	bars := agg.Add([]Trade{
		{Time: at("2024-05-01T10:00:05Z"), Price: 100, Amount: 1},
		{Time: at("2024-05-01T10:00:20Z"), Price: 104, Amount: 2},
		{Time: at("2024-05-01T10:00:50Z"), Price: 98, Amount: 1},
		{Time: at("2024-05-01T10:00:59Z"), Price: 99, Amount: 0.5},
	})
	require.Len(t, bars, 1)
	assert.Equal(t, Bar{
		Time:   at("2024-05-01T10:00:00Z").UnixMilli(),
		Open:   100,
		High:   104,
		Low:    98,
		Close:  99,
		Volume: 4.5,
	}, bars[0])

	bars = agg.Add([]Trade{
		{Time: at("2024-05-01T10:01:10Z"), Price: 101, Amount: 1},
	})
	require.Len(t, bars, 1)
	assert.Equal(t, at("2024-05-01T10:01:00Z").UnixMilli(), bars[0].Time)
	assert.Equal(t, 101.0, bars[0].Open)

	last, ok := agg.Last()
	require.True(t, ok)
	assert.Equal(t, bars[0], last)
}

func TestAggregator_LateTrades(t *testing.T) {
	agg := NewAggregator(60)
	agg.Add([]Trade{
		{Time: at("2024-05-01T10:00:05Z"), Price: 100, Amount: 1},
		{Time: at("2024-05-01T10:01:05Z"), Price: 100, Amount: 1},
	})

	// Previous bucket is still updated.
	bars := agg.Add([]Trade{{Time: at("2024-05-01T10:00:55Z"), Price: 120, Amount: 1}})
	require.Len(t, bars, 1)
	assert.Equal(t, at("2024-05-01T10:00:00Z").UnixMilli(), bars[0].Time)
	assert.Equal(t, 120.0, bars[0].High)
	assert.Equal(t, 2.0, bars[0].Volume)

	// Anything older is dropped.
	bars = agg.Add([]Trade{{Time: at("2024-05-01T09:58:00Z"), Price: 50, Amount: 1}})
	assert.Empty(t, bars)
}

func TestAggregator_Seed(t *testing.T) {
	agg := NewAggregator(60)
	_, ok := agg.Last()
	assert.False(t, ok)

	start := at("2024-05-01T10:00:00Z").UnixMilli()
	agg.Seed(Bar{Time: start, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5})

	bars := agg.Add([]Trade{{Time: at("2024-05-01T10:00:30Z"), Price: 13, Amount: 1}})
	require.Len(t, bars, 1)
	assert.Equal(t, Bar{Time: start, Open: 10, High: 13, Low: 9, Close: 13, Volume: 6}, bars[0])

	// Seeding with an older bar than the current one is ignored.
	agg.Seed(Bar{Time: start - 60000, Open: 1})
	last, _ := agg.Last()
	assert.Equal(t, start, last.Time)
}

func TestAggregator_BucketStart(t *testing.T) {
	agg := NewAggregator(300)
	assert.Equal(t, int64(600000), agg.BucketStart(899999))
	assert.Equal(t, int64(900000), agg.BucketStart(900000))
}
