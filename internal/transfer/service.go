// Package transfer handles deposit and withdrawal admission. A request
// only creates a PENDING row; money moves when an administrator approves,
// never at request time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"platform-core/internal/events"
	"platform-core/internal/ledger"
	"platform-core/internal/monitor"
	"platform-core/pkg/db"
)

var (
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidDirection    = errors.New("direction must be DEPOSIT or WITHDRAW")
	ErrUnsupportedToken    = errors.New("unsupported token")
	ErrWalletRequired      = errors.New("withdrawal requires a wallet address")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store is the persistence the transfer service needs.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	CreateTransfer(ctx context.Context, t db.Transfer) error
	GetTransfer(ctx context.Context, id string) (*db.Transfer, error)
	GetTransfersByAccount(ctx context.Context, accountID string, limit int) ([]db.Transfer, error)
	GetTransfersByStatus(ctx context.Context, status string, limit int) ([]db.Transfer, error)
	ApplyTransferDecision(ctx context.Context, transferID, status, decidedBy string, accountID string, newBalance *decimal.Decimal, expectedVersion int64) error
}

// Service mediates between user transfer requests and operator decisions.
type Service struct {
	store       Store
	locks       *ledger.Locks
	bus         *events.Bus
	metrics     *monitor.SystemMetrics
	tokens      map[string]bool
	maxAttempts int
}

// NewService creates the transfer service. tokens lists the accepted
// deposit/withdrawal tokens (BTC, ETH, USDT in the hosted deployment).
func NewService(store Store, locks *ledger.Locks, bus *events.Bus, metrics *monitor.SystemMetrics, tokens []string) *Service {
	accepted := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		accepted[t] = true
	}
	if locks == nil {
		locks = ledger.NewLocks()
	}
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Service{
		store:       store,
		locks:       locks,
		bus:         bus,
		metrics:     metrics,
		tokens:      accepted,
		maxAttempts: 3,
	}
}

// Request records a deposit or withdrawal for operator review. The ledger
// is untouched: a pending withdrawal does not reserve funds, and a pending
// deposit does not credit them.
func (s *Service) Request(ctx context.Context, accountID, direction, token string, amount decimal.Decimal, walletAddress, txid string) (*db.Transfer, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	switch direction {
	case db.DirectionDeposit, db.DirectionWithdraw:
	default:
		return nil, ErrInvalidDirection
	}
	if !s.tokens[token] {
		return nil, ErrUnsupportedToken
	}
	if direction == db.DirectionWithdraw && walletAddress == "" {
		return nil, ErrWalletRequired
	}

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	t := db.Transfer{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Direction:     direction,
		Token:         token,
		Amount:        amount.RoundBank(2),
		WalletAddress: walletAddress,
		TxID:          txid,
		Status:        db.TransferPending,
		RequestedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"account":  accountID,
		"transfer": t.ID,
		"dir":      direction,
		"amount":   t.Amount.String(),
	}).Info("transfer requested")
	if s.bus != nil {
		s.bus.Publish(events.EventTransferCreated, t)
	}
	return &t, nil
}

// Approve applies a pending transfer to the ledger. The status flip and
// the balance write commit in one transaction, serialized with settlements
// on the same account. Withdrawal sufficiency is checked here, at approval
// time, against the current balance.
func (s *Service) Approve(ctx context.Context, transferID, decidedBy string) (*db.Transfer, error) {
	t, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != db.TransferPending {
		return nil, db.ErrAlreadyDecided
	}

	err = s.locks.WithAccount(t.AccountID, func() error {
		for attempt := 1; ; attempt++ {
			acct, err := s.store.GetAccount(ctx, t.AccountID)
			if errors.Is(err, db.ErrNotFound) {
				return ErrAccountNotFound
			}
			if err != nil {
				return fmt.Errorf("load account: %w", err)
			}

			var newBalance decimal.Decimal
			if t.Direction == db.DirectionDeposit {
				newBalance = acct.Balance.Add(t.Amount)
			} else {
				if acct.Balance.LessThan(t.Amount) {
					return ErrInsufficientBalance
				}
				newBalance = acct.Balance.Sub(t.Amount)
			}
			newBalance = newBalance.RoundBank(2)

			err = s.store.ApplyTransferDecision(ctx, t.ID, db.TransferApproved, decidedBy, t.AccountID, &newBalance, acct.Version)
			if errors.Is(err, db.ErrVersionConflict) && attempt < s.maxAttempts {
				s.metrics.IncrementVersionConflicts()
				continue
			}
			if err != nil {
				return err
			}

			t.Status = db.TransferApproved
			t.DecidedBy = decidedBy
			now := time.Now().UTC()
			t.DecidedAt = &now

			if s.bus != nil {
				s.bus.Publish(events.EventTransferDecided, *t)
				s.bus.Publish(events.EventBalanceChanged, events.BalanceChange{
					AccountID: t.AccountID,
					Balance:   newBalance.String(),
					Reason:    transferReason(t.Direction),
				})
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementTransfers()
	logrus.WithFields(logrus.Fields{
		"account":  t.AccountID,
		"transfer": t.ID,
		"dir":      t.Direction,
	}).Info("transfer approved")
	return t, nil
}

// Reject declines a pending transfer. No balance change.
func (s *Service) Reject(ctx context.Context, transferID, decidedBy string) (*db.Transfer, error) {
	if err := s.store.ApplyTransferDecision(ctx, transferID, db.TransferRejected, decidedBy, "", nil, 0); err != nil {
		return nil, err
	}
	t, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementTransfers()
	if s.bus != nil {
		s.bus.Publish(events.EventTransferDecided, *t)
	}
	return t, nil
}

// ForAccount lists an account's transfers, newest first.
func (s *Service) ForAccount(ctx context.Context, accountID string, limit int) ([]db.Transfer, error) {
	return s.store.GetTransfersByAccount(ctx, accountID, limit)
}

// ByStatus lists transfers in a status, oldest first.
func (s *Service) ByStatus(ctx context.Context, status string, limit int) ([]db.Transfer, error) {
	return s.store.GetTransfersByStatus(ctx, status, limit)
}

func transferReason(direction string) string {
	if direction == db.DirectionDeposit {
		return "deposit"
	}
	return "withdrawal"
}
