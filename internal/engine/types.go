package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRequest is one inbound trade. RequestID is the idempotency key; a
// client retrying after a timeout reuses it and gets the original record.
type TradeRequest struct {
	RequestID string
	AccountID string
	Stake     decimal.Decimal
	Side      string // BUY or SELL
	Asset     string // e.g. BTC/USDT
}

// SystemStatus is the runtime status exposed to the UI.
type SystemStatus struct {
	NodeID           string    `json:"node_id"`
	Version          string    `json:"version"`
	PayoutMultiplier string    `json:"payout_multiplier"`
	ServerTime       time.Time `json:"server_time"`
}
