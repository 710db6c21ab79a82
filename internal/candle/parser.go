package candle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Trade is a single DEX trade price print.
type Trade struct {
	Time   time.Time
	Price  float64
	Amount float64
}

// Payload represents the data section of a Bitquery DEXTrades stream message
type Payload struct {
	EVM struct {
		DEXTrades []struct {
			Block struct {
				Time string `json:"Time"`
			} `json:"Block"`
			Trade struct {
				Buy struct {
					Amount json.RawMessage `json:"Amount"`
					Price  json.RawMessage `json:"Price"`
				} `json:"Buy"`
			} `json:"Trade"`
		} `json:"DEXTrades"`
	} `json:"EVM"`
}

// ParseTrades parses the data object of a stream message into trades sorted
// by time. Trades with a zero or negative price are skipped.
func ParseTrades(data []byte) ([]Trade, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	trades := make([]Trade, 0, len(payload.EVM.DEXTrades))
	for _, dt := range payload.EVM.DEXTrades {
		ts, err := time.Parse(time.RFC3339, dt.Block.Time)
		if err != nil {
			return nil, fmt.Errorf("failed to parse block time %q: %w", dt.Block.Time, err)
		}

		price, err := parseNumber(dt.Trade.Buy.Price)
		if err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}

		amount, err := parseNumber(dt.Trade.Buy.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount: %w", err)
		}

		if price <= 0 {
			continue
		}
		trades = append(trades, Trade{Time: ts, Price: price, Amount: amount})
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Time.Before(trades[j].Time)
	})
	return trades, nil
}

// parseNumber accepts both JSON numbers and numeric strings, which Bitquery
// uses for large decimal values.
func parseNumber(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	s = strings.Trim(s, `"`)
	return strconv.ParseFloat(s, 64)
}
