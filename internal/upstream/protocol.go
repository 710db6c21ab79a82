package upstream

import (
	"encoding/json"
	"strings"

	"github.com/supermancell/bitquery-chart/internal/market"
)

// Subprotocol is the GraphQL over WebSocket protocol spoken by the Bitquery
// streaming endpoint.
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol
const (
	MessageTypeConnectionInit = "connection_init"
	MessageTypeConnectionAck  = "connection_ack"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
	MessageTypeSubscribe      = "subscribe"
	MessageTypeNext           = "next"
	MessageTypeError          = "error"
	MessageTypeComplete       = "complete"
)

// Message is a graphql-transport-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe frame.
type SubscribePayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// NextPayload is the payload of a next frame.
type NextPayload struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError is a single GraphQL error entry.
type GraphQLError struct {
	Message string `json:"message"`
}

// JoinErrors concatenates the messages of errs.
func JoinErrors(errs []GraphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

const tradesQuery = `subscription ($network: evm_network, $token: String) {
  EVM(network: $network) {
    DEXTrades(
      where: {Trade: {Buy: {Currency: {SmartContract: {is: $token}}}}}
    ) {
      Block {
        Time
      }
      Trade {
        Buy {
          Amount
          Price
        }
      }
    }
  }
}`

// TradesRequest builds the DEX trades subscription for feed.
func TradesRequest(feed market.Feed) SubscribePayload {
	return SubscribePayload{
		Query: tradesQuery,
		Variables: map[string]interface{}{
			"network": feed.Network,
			"token":   feed.Token,
		},
	}
}
