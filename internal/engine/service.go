// Package engine implements trade settlement: one trade is resolved,
// debited, and recorded as a single all-or-nothing unit with no lost or
// duplicated money.
package engine

import (
	"context"

	"platform-core/pkg/db"
)

// Service is the settlement surface the API layer talks to. The HTTP
// handlers never compute balances themselves; the engine is authoritative.
type Service interface {
	// Settle performs one trade. Resubmitting the same request id returns
	// the original record instead of settling twice.
	Settle(ctx context.Context, req TradeRequest) (*db.TradeRecord, error)

	// Balance returns the caller's ledger row.
	Balance(ctx context.Context, accountID string) (*db.Account, error)

	// Trades returns the caller's settled trades, newest first.
	Trades(ctx context.Context, accountID string, limit int) ([]db.TradeRecord, error)

	// Status reports runtime information for the UI.
	Status(ctx context.Context) *SystemStatus
}
