package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdt = "0xdAC17F958D2ee523a2206206994597C13D831ec7"

func TestNewChannel(t *testing.T) {
	ch, err := NewChannel("ETH", usdt, 60)
	require.NoError(t, err)
	assert.Equal(t, "eth", ch.Network)
	assert.Equal(t, "0xdac17f958d2ee523a2206206994597c13d831ec7", ch.Token)
	assert.Equal(t, "eth:0xdac17f958d2ee523a2206206994597c13d831ec7:60", ch.Key())
	assert.Equal(t, "eth:0xdac17f958d2ee523a2206206994597c13d831ec7", ch.Feed.Key())
}

func TestNewChannel_Invalid(t *testing.T) {
	_, err := NewChannel("solana", usdt, 60)
	assert.ErrorIs(t, err, ErrNetwork)

	_, err = NewChannel("eth", "0x1234", 60)
	assert.ErrorIs(t, err, ErrToken)

	_, err = NewChannel("eth", usdt, 61)
	assert.ErrorIs(t, err, ErrInterval)
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("bsc:" + usdt + ":3600")
	require.NoError(t, err)
	assert.Equal(t, "bsc", ch.Network)
	assert.Equal(t, 3600, ch.Interval)

	for _, key := range []string{"", "eth", "eth:" + usdt, "eth:" + usdt + ":x"} {
		_, err := ParseChannel(key)
		assert.Error(t, err, key)
	}
}

func TestParseFeed(t *testing.T) {
	f, err := ParseFeed("base:" + usdt)
	require.NoError(t, err)
	assert.Equal(t, "base", f.Network)

	_, err = ParseFeed("base")
	assert.ErrorIs(t, err, ErrKey)
}
