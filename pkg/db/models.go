package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade outcomes.
const (
	OutcomeWin  = "WIN"
	OutcomeLose = "LOSE"
)

// Transfer directions.
const (
	DirectionDeposit  = "DEPOSIT"
	DirectionWithdraw = "WITHDRAW"
)

// Transfer statuses.
const (
	TransferPending  = "PENDING"
	TransferApproved = "APPROVED"
	TransferRejected = "REJECTED"
)

// User is an authenticated platform user.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	IsAdmin        bool      `json:"is_admin"`
	ReferralCode   string    `json:"referral_code,omitempty"`
	ReferredBy     string    `json:"referred_by,omitempty"`
	TotalReferrals int       `json:"total_referrals"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Account is the ledger row for a user. Version is the compare-and-swap
// counter guarding every balance write.
type Account struct {
	UserID            string          `json:"user_id"`
	Balance           decimal.Decimal `json:"balance"`
	CommissionBalance decimal.Decimal `json:"commission_balance"`
	Version           int64           `json:"-"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TradeRecord is one settled trade. Rows are append-only and immutable.
type TradeRecord struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	AccountID     string          `json:"account_id"`
	Stake         decimal.Decimal `json:"stake"`
	Side          string          `json:"side"`
	Asset         string          `json:"asset"`
	Outcome       string          `json:"outcome"`
	Payout        decimal.Decimal `json:"payout"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	SettledAt     time.Time       `json:"settled_at"`
}

// OutcomeOverride forces the next settlement outcome for an account.
type OutcomeOverride struct {
	AccountID     string    `json:"account_id"`
	ForcedOutcome string    `json:"forced_outcome"`
	SetBy         string    `json:"set_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transfer is a deposit or withdrawal request. Balance moves only when an
// administrator approves; a PENDING row never touches the ledger.
type Transfer struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Direction     string          `json:"direction"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	TxID          string          `json:"txid,omitempty"`
	Status        string          `json:"status"`
	RequestedAt   time.Time       `json:"requested_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	DecidedBy     string          `json:"decided_by,omitempty"`
}
