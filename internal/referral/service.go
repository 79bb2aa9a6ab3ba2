// Package referral credits a fixed commission to a referrer when a new
// user signs up with their code. Code generation itself happens outside
// this service; we only honor codes that already exist.
package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"platform-core/internal/ledger"
	"platform-core/pkg/db"
)

// ErrUnknownCode is returned for a referral code no user owns.
var ErrUnknownCode = errors.New("unknown referral code")

// Store is the persistence the referral service needs.
type Store interface {
	GetUserByReferralCode(ctx context.Context, code string) (*db.User, error)
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	ApplyReferral(ctx context.Context, referrerID string, newCommission decimal.Decimal, expectedVersion int64) error
}

// Service processes signup referrals.
type Service struct {
	store       Store
	locks       *ledger.Locks
	commission  decimal.Decimal
	maxAttempts int
}

// NewService creates the referral service with a fixed per-signup commission.
func NewService(store Store, locks *ledger.Locks, commission decimal.Decimal) *Service {
	if locks == nil {
		locks = ledger.NewLocks()
	}
	return &Service{store: store, locks: locks, commission: commission, maxAttempts: 3}
}

// Lookup resolves a referral code to its owner without crediting anything.
// Callers validate the code with Lookup, commit the signup, then Credit —
// so a failed signup never pays a commission.
func (s *Service) Lookup(ctx context.Context, code string) (string, error) {
	referrer, err := s.store.GetUserByReferralCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("lookup referral code: %w", err)
	}
	if referrer == nil {
		return "", ErrUnknownCode
	}
	return referrer.ID, nil
}

// Credit pays the fixed commission to referrerID. The commission lands on
// the commission balance, not the trading balance.
func (s *Service) Credit(ctx context.Context, referrerID string) error {
	err := s.locks.WithAccount(referrerID, func() error {
		for attempt := 1; ; attempt++ {
			acct, err := s.store.GetAccount(ctx, referrerID)
			if err != nil {
				return err
			}
			next := acct.CommissionBalance.Add(s.commission).RoundBank(2)
			err = s.store.ApplyReferral(ctx, referrerID, next, acct.Version)
			if errors.Is(err, db.ErrVersionConflict) && attempt < s.maxAttempts {
				continue
			}
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("credit referrer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"referrer":   referrerID,
		"commission": s.commission.String(),
	}).Info("referral processed")
	return nil
}

// Process resolves code and credits its owner in one call. Signup uses the
// split Lookup/Credit pair instead so the credit lands only after the new
// user row commits.
func (s *Service) Process(ctx context.Context, code string) (string, error) {
	referrerID, err := s.Lookup(ctx, code)
	if err != nil {
		return "", err
	}
	if err := s.Credit(ctx, referrerID); err != nil {
		return "", err
	}
	return referrerID, nil
}
