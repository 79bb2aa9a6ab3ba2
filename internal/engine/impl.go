package engine

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
	"platform-core/internal/outcome"
	"platform-core/pkg/db"
)

// Store is the persistence the engine settles through. ApplySettlement
// must commit the balance write and the trade record as one transaction.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	ApplySettlement(ctx context.Context, rec db.TradeRecord, expectedVersion int64) error
	GetTradeByRequestID(ctx context.Context, requestID string) (*db.TradeRecord, error)
	GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]db.TradeRecord, error)
}

// Resolver decides win/lose for one settlement.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (outcome.Outcome, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Store    Store
	Resolver Resolver
	Locks    *ledger.Locks
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics

	PayoutMultiplier decimal.Decimal // e.g. 1.95: stake in, stake*1.95 back on a win
	MaxAttempts      int             // bounded retry for conflicts and transient store errors
	RetryBackoff     time.Duration

	NodeID  string
	Version string
}

// Impl is the settlement engine.
type Impl struct {
	cfg Config
}

// NewImpl creates the engine. Collaborators are injected; the engine holds
// no global state.
func NewImpl(cfg Config) *Impl {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.PayoutMultiplier.IsZero() {
		cfg.PayoutMultiplier = decimal.RequireFromString("1.95")
	}
	if cfg.Locks == nil {
		cfg.Locks = ledger.NewLocks()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	return &Impl{cfg: cfg}
}

// Settle performs one trade as a single all-or-nothing unit.
//
// The outcome is resolved exactly once per settlement; a CAS retry reuses
// the already-resolved outcome against a freshly read balance. The balance
// write and the trade record commit in one transaction, so a crash or a
// transient store failure can never leave the two inconsistent. The
// request id's unique index makes a duplicate commit structurally
// impossible even when a retry races an ambiguous failure.
func (e *Impl) Settle(ctx context.Context, req TradeRequest) (*db.TradeRecord, error) {
	if !req.Stake.IsPositive() {
		return nil, ErrInvalidStake
	}
	switch req.Side {
	case db.SideBuy, db.SideSell:
	default:
		return nil, ErrInvalidSide
	}
	if req.Asset == "" {
		return nil, ErrInvalidAsset
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Fast idempotency path: the request was already settled. Replay only
	// applies within the same account; another account's request id is a
	// conflict, never a window into its records.
	if existing, err := e.cfg.Store.GetTradeByRequestID(ctx, req.RequestID); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if existing != nil {
		if existing.AccountID != req.AccountID {
			return nil, ErrRequestIDConflict
		}
		return existing, nil
	}

	timer := monitor.NewTimer(e.cfg.Metrics.SettlementLatency)
	defer timer.Stop()

	var rec *db.TradeRecord
	err := e.cfg.Locks.WithAccount(req.AccountID, func() error {
		var (
			resolved bool
			result   outcome.Outcome
		)

		for attempt := 1; ; attempt++ {
			acct, err := e.cfg.Store.GetAccount(ctx, req.AccountID)
			if errors.Is(err, db.ErrNotFound) {
				return ErrAccountNotFound
			}
			if err != nil {
				if attempt < e.cfg.MaxAttempts {
					e.backoff(ctx, attempt)
					continue
				}
				return fmt.Errorf("load account: %w", err)
			}

			if acct.Balance.LessThan(req.Stake) {
				return ErrInsufficientBalance
			}

			// Resolve at most once per settlement, after validation so a
			// rejected trade never burns an override.
			if !resolved {
				result, err = e.cfg.Resolver.Resolve(ctx, req.AccountID)
				if err != nil {
					return fmt.Errorf("resolve outcome: %w", err)
				}
				resolved = true
			}

			candidate := e.buildRecord(req, acct.Balance, result)
			err = e.cfg.Store.ApplySettlement(ctx, *candidate, acct.Version)
			switch {
			case err == nil:
				rec = candidate
				return nil
			case errors.Is(err, db.ErrVersionConflict):
				e.cfg.Metrics.IncrementVersionConflicts()
				if attempt < e.cfg.MaxAttempts {
					continue // re-read balance, reuse the resolved outcome
				}
				return fmt.Errorf("settle %s: %w", req.RequestID, err)
			case errors.Is(err, db.ErrDuplicateRequest):
				// A previous attempt committed after an ambiguous failure.
				existing, lookupErr := e.cfg.Store.GetTradeByRequestID(ctx, req.RequestID)
				if lookupErr != nil {
					return fmt.Errorf("duplicate lookup: %w", lookupErr)
				}
				if existing == nil {
					return fmt.Errorf("settle %s: %w", req.RequestID, err)
				}
				if existing.AccountID != req.AccountID {
					return ErrRequestIDConflict
				}
				rec = existing
				return nil
			case errors.Is(err, db.ErrNotFound):
				return ErrAccountNotFound
			default:
				if attempt < e.cfg.MaxAttempts {
					e.backoff(ctx, attempt)
					continue
				}
				return fmt.Errorf("persist settlement: %w", err)
			}
		}
	})
	if err != nil {
		if !isClientError(err) {
			e.cfg.Metrics.IncrementErrors()
			if e.cfg.Bus != nil {
				e.cfg.Bus.Publish(events.EventAlert, events.Alert{
					Source:  "settlement",
					Message: err.Error(),
				})
			}
		}
		return nil, err
	}

	e.cfg.Metrics.IncrementSettlements()
	e.cfg.Metrics.RecordOutcome(rec.Outcome == db.OutcomeWin)
	logrus.WithFields(logrus.Fields{
		"account": rec.AccountID,
		"trade":   rec.ID,
		"outcome": rec.Outcome,
		"stake":   rec.Stake.String(),
		"balance": rec.BalanceAfter.String(),
	}).Info("trade settled")

	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(events.EventTradeSettled, *rec)
		e.cfg.Bus.Publish(events.EventBalanceChanged, events.BalanceChange{
			AccountID: rec.AccountID,
			Balance:   rec.BalanceAfter.String(),
			Reason:    "settlement",
		})
	}
	return rec, nil
}

// buildRecord computes the settled balances. The stake is reserved first;
// a win returns stake*multiplier on top of the reserved remainder. Only
// the persisted values are rounded (2 dp, banker's rounding).
func (e *Impl) buildRecord(req TradeRequest, balanceBefore decimal.Decimal, result outcome.Outcome) *db.TradeRecord {
	provisional := balanceBefore.Sub(req.Stake)

	payout := decimal.Zero
	if result == outcome.Win {
		payout = req.Stake.Mul(e.cfg.PayoutMultiplier).RoundBank(2)
	}

	return &db.TradeRecord{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		AccountID:     req.AccountID,
		Stake:         req.Stake,
		Side:          req.Side,
		Asset:         req.Asset,
		Outcome:       string(result),
		Payout:        payout,
		BalanceBefore: balanceBefore,
		BalanceAfter:  provisional.Add(payout).RoundBank(2),
		SettledAt:     time.Now().UTC(),
	}
}

func (e *Impl) backoff(ctx context.Context, attempt int) {
	select {
	case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
	case <-ctx.Done():
	}
}

func isClientError(err error) bool {
	return errors.Is(err, ErrInvalidStake) ||
		errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidAsset) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrRequestIDConflict)
}

// Balance returns the ledger row for an account.
func (e *Impl) Balance(ctx context.Context, accountID string) (*db.Account, error) {
	acct, err := e.cfg.Store.GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// Trades returns an account's settled trades, newest first.
func (e *Impl) Trades(ctx context.Context, accountID string, limit int) ([]db.TradeRecord, error) {
	return e.cfg.Store.GetTradesByAccount(ctx, accountID, limit)
}

// Status reports runtime information for the UI.
func (e *Impl) Status(ctx context.Context) *SystemStatus {
	return &SystemStatus{
		NodeID:           e.cfg.NodeID,
		Version:          e.cfg.Version,
		PayoutMultiplier: e.cfg.PayoutMultiplier.String(),
		ServerTime:       time.Now().UTC(),
	}
}
