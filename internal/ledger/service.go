package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"platform-core/pkg/db"
)

// ErrNegativeBalance rejects any write that would take a balance below zero.
var ErrNegativeBalance = errors.New("balance must not go negative")

// Store is the subset of the persistence layer the ledger needs.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	SetBalances(ctx context.Context, accountID string, balance, commission decimal.Decimal, expectedVersion int64) error
}

// Ledger is the authoritative accessor for account balances. All writes go
// through the per-account lock and the version CAS; callers never compute
// and submit a final balance from outside the process.
type Ledger struct {
	store       Store
	locks       *Locks
	maxAttempts int
}

// New creates a Ledger over the given store.
func New(store Store, locks *Locks, maxAttempts int) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Ledger{store: store, locks: locks, maxAttempts: maxAttempts}
}

// Locks exposes the stripe set so services sharing accounts (settlement,
// transfers) serialize on the same mutexes.
func (l *Ledger) Locks() *Locks {
	return l.locks
}

// Account returns the current ledger row.
func (l *Ledger) Account(ctx context.Context, accountID string) (*db.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// Adjust applies fn to the account's balances under the account lock,
// retrying on version conflicts. fn receives the current balances and
// returns the new ones; a negative result aborts with ErrNegativeBalance.
// Persisted values are rounded to 2 decimal places, banker's rounding.
func (l *Ledger) Adjust(ctx context.Context, accountID string, fn func(balance, commission decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)) (*db.Account, error) {
	var out *db.Account
	err := l.locks.WithAccount(accountID, func() error {
		for attempt := 1; ; attempt++ {
			acct, err := l.store.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}

			balance, commission, err := fn(acct.Balance, acct.CommissionBalance)
			if err != nil {
				return err
			}
			balance = balance.RoundBank(2)
			commission = commission.RoundBank(2)
			if balance.IsNegative() || commission.IsNegative() {
				return ErrNegativeBalance
			}

			err = l.store.SetBalances(ctx, accountID, balance, commission, acct.Version)
			if err == nil {
				acct.Balance = balance
				acct.CommissionBalance = commission
				acct.Version++
				out = acct
				return nil
			}
			if errors.Is(err, db.ErrVersionConflict) && attempt < l.maxAttempts {
				logrus.WithField("account", accountID).Warnf("ledger CAS conflict, retry %d", attempt)
				continue
			}
			return fmt.Errorf("write balance: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
