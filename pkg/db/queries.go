package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("account version conflict")
	ErrDuplicateRequest  = errors.New("request already settled")
	ErrAlreadyDecided    = errors.New("transfer already decided")
)

// Queries provides account-isolated database access.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// User queries
// ----------------------------------------

// CreateUser inserts the user and its zero-balance ledger account in one
// transaction so an account row always exists for an authenticated user.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, is_admin, referral_code, referred_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Username, u.PasswordHash, boolToInt(u.IsAdmin), u.ReferralCode, u.ReferredBy, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, commission_balance, version)
		VALUES (?, '0', '0', 0)
	`, u.ID)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	return tx.Commit()
}

// GetUserByEmail returns the user or nil when absent.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return q.getUser(ctx, "email = ?", email)
}

// GetUserByID returns the user or nil when absent.
func (q *Queries) GetUserByID(ctx context.Context, id string) (*User, error) {
	return q.getUser(ctx, "id = ?", id)
}

// GetUserByReferralCode returns the user owning a referral code, or nil.
func (q *Queries) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	if code == "" {
		return nil, nil
	}
	return q.getUser(ctx, "referral_code = ?", code)
}

func (q *Queries) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var (
		u       User
		isAdmin int
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, is_admin, referral_code, referred_by, total_referrals, created_at, updated_at
		FROM users
		WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &isAdmin, &u.ReferralCode, &u.ReferredBy, &u.TotalReferrals, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

// ListUsers returns users with their ledger balances, newest first.
func (q *Queries) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, email, username, password_hash, is_admin, referral_code, referred_by, total_referrals, created_at, updated_at
		FROM users
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u       User
			isAdmin int
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &isAdmin, &u.ReferralCode, &u.ReferredBy, &u.TotalReferrals, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.IsAdmin = isAdmin != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// ----------------------------------------
// Account (ledger) queries
// ----------------------------------------

// GetAccount returns the ledger row for an account.
func (q *Queries) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	var (
		a                   Account
		balance, commission string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, balance, commission_balance, version, updated_at
		FROM accounts
		WHERE user_id = ?
	`, accountID).Scan(&a.UserID, &balance, &commission, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}

	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	if a.CommissionBalance, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("parse commission balance %q: %w", commission, err)
	}
	return &a, nil
}

// SetBalances writes both balances guarded by the version counter.
// Returns ErrVersionConflict when another writer got there first.
func (q *Queries) SetBalances(ctx context.Context, accountID string, balance, commission decimal.Decimal, expectedVersion int64) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, commission_balance = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND version = ?
	`, balance.String(), commission.String(), accountID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return q.casOutcome(ctx, res, accountID)
}

// casOutcome maps a zero-row CAS update to the precise failure.
func (q *Queries) casOutcome(ctx context.Context, res sql.Result, accountID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE user_id = ?`, accountID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	return ErrVersionConflict
}

// ----------------------------------------
// Trade record queries
// ----------------------------------------

// ApplySettlement commits a settlement: the balance write and the trade
// record insert happen in one transaction, so the ledger and the history
// can never disagree. The balance update is guarded by expectedVersion.
func (q *Queries) ApplySettlement(ctx context.Context, rec TradeRecord, expectedVersion int64) error {
	if rec.AccountID == "" {
		return ErrAccountIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND version = ?
	`, rec.BalanceAfter.String(), rec.AccountID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE user_id = ?`, rec.AccountID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		return ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trade_records (id, request_id, account_id, stake, side, asset, outcome, payout, balance_before, balance_after, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RequestID, rec.AccountID, rec.Stake.String(), rec.Side, rec.Asset, rec.Outcome,
		rec.Payout.String(), rec.BalanceBefore.String(), rec.BalanceAfter.String(), rec.SettledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert trade record: %w", err)
	}

	return tx.Commit()
}

// GetTradeByRequestID returns the settled trade for a request id, or nil.
func (q *Queries) GetTradeByRequestID(ctx context.Context, requestID string) (*TradeRecord, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, request_id, account_id, stake, side, asset, outcome, payout, balance_before, balance_after, settled_at
		FROM trade_records
		WHERE request_id = ?
	`, requestID)

	rec, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trade by request id: %w", err)
	}
	return rec, nil
}

// GetTradesByAccount returns an account's trades, newest first.
func (q *Queries) GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]TradeRecord, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, request_id, account_id, stake, side, asset, outcome, payout, balance_before, balance_after, settled_at
		FROM trade_records
		WHERE account_id = ?
		ORDER BY settled_at DESC, rowid DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, *rec)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*TradeRecord, error) {
	var (
		rec                                        TradeRecord
		stake, payout, balanceBefore, balanceAfter string
	)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.AccountID, &stake, &rec.Side, &rec.Asset,
		&rec.Outcome, &payout, &balanceBefore, &balanceAfter, &rec.SettledAt)
	if err != nil {
		return nil, err
	}
	if rec.Stake, err = decimal.NewFromString(stake); err != nil {
		return nil, fmt.Errorf("parse stake %q: %w", stake, err)
	}
	if rec.Payout, err = decimal.NewFromString(payout); err != nil {
		return nil, fmt.Errorf("parse payout %q: %w", payout, err)
	}
	if rec.BalanceBefore, err = decimal.NewFromString(balanceBefore); err != nil {
		return nil, fmt.Errorf("parse balance_before %q: %w", balanceBefore, err)
	}
	if rec.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return nil, fmt.Errorf("parse balance_after %q: %w", balanceAfter, err)
	}
	return &rec, nil
}

// ----------------------------------------
// Outcome override queries
// ----------------------------------------

// UpsertOverride stores (or replaces) the forced outcome for an account.
func (q *Queries) UpsertOverride(ctx context.Context, o OutcomeOverride) error {
	if o.AccountID == "" {
		return ErrAccountIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outcome_overrides (account_id, forced_outcome, set_by, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			forced_outcome = excluded.forced_outcome,
			set_by = excluded.set_by,
			created_at = CURRENT_TIMESTAMP
	`, o.AccountID, o.ForcedOutcome, o.SetBy)
	return err
}

// DeleteOverride clears a pending override without consuming it.
func (q *Queries) DeleteOverride(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM outcome_overrides WHERE account_id = ?`, accountID)
	return err
}

// ConsumeOverride reads and deletes the override in one transaction,
// making it single-use. ok is false when no override was set.
func (q *Queries) ConsumeOverride(ctx context.Context, accountID string) (outcome string, ok bool, err error) {
	if accountID == "" {
		return "", false, ErrAccountIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin consume override: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT forced_outcome FROM outcome_overrides WHERE account_id = ?
	`, accountID).Scan(&outcome)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query override: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outcome_overrides WHERE account_id = ?`, accountID); err != nil {
		return "", false, fmt.Errorf("delete override: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit consume override: %w", err)
	}
	return outcome, true, nil
}

// GetOverride returns the pending override for an account, or nil.
func (q *Queries) GetOverride(ctx context.Context, accountID string) (*OutcomeOverride, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	var o OutcomeOverride
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, forced_outcome, set_by, created_at
		FROM outcome_overrides
		WHERE account_id = ?
	`, accountID).Scan(&o.AccountID, &o.ForcedOutcome, &o.SetBy, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query override: %w", err)
	}
	return &o, nil
}

// ----------------------------------------
// Transfer queries
// ----------------------------------------

// CreateTransfer inserts a PENDING transfer. No balance is touched here.
func (q *Queries) CreateTransfer(ctx context.Context, t Transfer) error {
	if t.AccountID == "" {
		return ErrAccountIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO transfers (id, account_id, direction, token, amount, wallet_address, txid, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, t.Direction, t.Token, t.Amount.String(), t.WalletAddress, t.TxID, t.Status, t.RequestedAt)
	return err
}

// GetTransfer returns a transfer by id.
func (q *Queries) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, account_id, direction, token, amount, wallet_address, txid, status, requested_at, decided_at, decided_by
		FROM transfers
		WHERE id = ?
	`, id)

	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transfer: %w", err)
	}
	return t, nil
}

// GetTransfersByAccount returns an account's transfers, newest first.
func (q *Queries) GetTransfersByAccount(ctx context.Context, accountID string, limit int) ([]Transfer, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	return q.listTransfers(ctx, `WHERE account_id = ? ORDER BY requested_at DESC LIMIT ?`, accountID, limit)
}

// GetTransfersByStatus returns transfers in a given status, oldest first
// so operators work the queue in arrival order.
func (q *Queries) GetTransfersByStatus(ctx context.Context, status string, limit int) ([]Transfer, error) {
	return q.listTransfers(ctx, `WHERE status = ? ORDER BY requested_at ASC LIMIT ?`, status, limit)
}

func (q *Queries) listTransfers(ctx context.Context, clause string, args ...any) ([]Transfer, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, direction, token, amount, wallet_address, txid, status, requested_at, decided_at, decided_by
		FROM transfers `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	var (
		t         Transfer
		amount    string
		decidedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.Direction, &t.Token, &amount, &t.WalletAddress,
		&t.TxID, &t.Status, &t.RequestedAt, &decidedAt, &t.DecidedBy)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if decidedAt.Valid {
		at := decidedAt.Time
		t.DecidedAt = &at
	}
	return &t, nil
}

// ApplyTransferDecision finalizes a pending transfer. When newBalance is
// non-nil (approval), the status flip and the ledger write commit in the
// same transaction guarded by expectedVersion; rejection flips status only.
func (q *Queries) ApplyTransferDecision(ctx context.Context, transferID, status, decidedBy string, accountID string, newBalance *decimal.Decimal, expectedVersion int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer decision: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transfers
		SET status = ?, decided_at = ?, decided_by = ?
		WHERE id = ? AND status = ?
	`, status, time.Now().UTC(), decidedBy, transferID, TransferPending)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM transfers WHERE id = ?`, transferID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check transfer: %w", err)
		}
		return ErrAlreadyDecided
	}

	if newBalance != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET balance = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND version = ?
		`, newBalance.String(), accountID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return ErrVersionConflict
		}
	}

	return tx.Commit()
}

// ----------------------------------------
// Referral queries
// ----------------------------------------

// ApplyReferral credits the referrer's commission balance and bumps their
// referral counter in one transaction. Guarded by the account version.
func (q *Queries) ApplyReferral(ctx context.Context, referrerID string, newCommission decimal.Decimal, expectedVersion int64) error {
	if referrerID == "" {
		return ErrAccountIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin referral: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET commission_balance = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND version = ?
	`, newCommission.String(), referrerID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update commission: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET total_referrals = total_referrals + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, referrerID); err != nil {
		return fmt.Errorf("update referral count: %w", err)
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
