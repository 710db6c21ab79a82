// Package market names what a chart can subscribe to. A Feed is the upstream
// trade stream for one token on one network; a Channel is a Feed rendered at a
// bar interval.
package market

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Networks supported by the Bitquery EVM streaming schema.
var Networks = map[string]bool{
	"eth":      true,
	"bsc":      true,
	"arbitrum": true,
	"base":     true,
	"matic":    true,
	"optimism": true,
}

// Intervals are the supported bar widths in seconds.
var Intervals = map[int]bool{
	60:    true,
	300:   true,
	900:   true,
	3600:  true,
	14400: true,
	86400: true,
}

var (
	ErrNetwork  = errors.New("unsupported network")
	ErrToken    = errors.New("invalid token address")
	ErrInterval = errors.New("unsupported interval")
	ErrKey      = errors.New("malformed key")
)

// Feed identifies the trade stream of a token.
type Feed struct {
	Network string
	Token   string // lower-case 0x-prefixed hex address
}

// NewFeed validates and normalises network and token.
func NewFeed(network, token string) (Feed, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if !Networks[network] {
		return Feed{}, fmt.Errorf("%w: %q", ErrNetwork, network)
	}
	token = strings.TrimSpace(token)
	if !common.IsHexAddress(token) {
		return Feed{}, fmt.Errorf("%w: %q", ErrToken, token)
	}
	return Feed{
		Network: network,
		Token:   strings.ToLower(common.HexToAddress(token).Hex()),
	}, nil
}

// Key returns "network:token".
func (f Feed) Key() string {
	return f.Network + ":" + f.Token
}

// ParseFeed parses a key produced by Feed.Key.
func ParseFeed(key string) (Feed, error) {
	network, token, ok := strings.Cut(key, ":")
	if !ok {
		return Feed{}, fmt.Errorf("%w: %q", ErrKey, key)
	}
	return NewFeed(network, token)
}

// Channel is a feed aggregated into bars of Interval seconds.
type Channel struct {
	Feed
	Interval int
}

// NewChannel validates network, token and interval.
func NewChannel(network, token string, interval int) (Channel, error) {
	feed, err := NewFeed(network, token)
	if err != nil {
		return Channel{}, err
	}
	if !Intervals[interval] {
		return Channel{}, fmt.Errorf("%w: %d", ErrInterval, interval)
	}
	return Channel{Feed: feed, Interval: interval}, nil
}

// Key returns "network:token:interval".
func (c Channel) Key() string {
	return c.Feed.Key() + ":" + strconv.Itoa(c.Interval)
}

// ParseChannel parses a key produced by Channel.Key.
func ParseChannel(key string) (Channel, error) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return Channel{}, fmt.Errorf("%w: %q", ErrKey, key)
	}
	feed, err := ParseFeed(key[:i])
	if err != nil {
		return Channel{}, err
	}
	interval, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %q", ErrKey, key)
	}
	return NewChannel(feed.Network, feed.Token, interval)
}
