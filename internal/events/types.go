package events

// Event enumerates high-level topics inside the platform core.
type Event string

const (
	EventTradeSettled    Event = "trade.settled"
	EventBalanceChanged  Event = "balance.changed"
	EventTransferCreated Event = "transfer.created"
	EventTransferDecided Event = "transfer.decided"
	EventOverrideSet     Event = "override.set"
	EventAlert           Event = "alert"
)

// Alert is the payload for EventAlert, raised when an operation fails for
// a non-client reason (store outage, exhausted retries).
type Alert struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// BalanceChange is the payload for EventBalanceChanged.
type BalanceChange struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Reason    string `json:"reason"` // settlement, deposit, withdrawal, admin
}
