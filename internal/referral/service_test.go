package referral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"platform-core/internal/ledger"
	"platform-core/pkg/db"
)

func newTestService(t *testing.T) (*Service, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	q := database.Queries()
	return NewService(q, ledger.NewLocks(), decimal.RequireFromString("30")), q
}

func TestProcessCreditsReferrer(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	err := q.CreateUser(ctx, db.User{
		ID:           "referrer-1",
		Email:        "referrer@example.com",
		PasswordHash: "x",
		ReferralCode: "FRIEND30",
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Failed to create referrer: %v", err)
	}

	id, err := svc.Process(ctx, "FRIEND30")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if id != "referrer-1" {
		t.Errorf("expected referrer-1, got %s", id)
	}

	acct, err := q.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to get account: %v", err)
	}
	if acct.CommissionBalance.StringFixed(2) != "30.00" {
		t.Errorf("expected commission 30.00, got %s", acct.CommissionBalance)
	}
	// Trading balance stays untouched.
	if !acct.Balance.IsZero() {
		t.Errorf("expected trading balance untouched, got %s", acct.Balance)
	}

	user, err := q.GetUserByID(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if user.TotalReferrals != 1 {
		t.Errorf("expected 1 referral, got %d", user.TotalReferrals)
	}

	// A second signup with the same code stacks.
	if _, err := svc.Process(ctx, "FRIEND30"); err != nil {
		t.Fatalf("Second process failed: %v", err)
	}
	acct, err = q.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to reload account: %v", err)
	}
	if acct.CommissionBalance.StringFixed(2) != "60.00" {
		t.Errorf("expected commission 60.00, got %s", acct.CommissionBalance)
	}
}

func TestLookupResolvesWithoutCrediting(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	err := q.CreateUser(ctx, db.User{
		ID:           "referrer-1",
		Email:        "referrer@example.com",
		PasswordHash: "x",
		ReferralCode: "FRIEND30",
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Failed to create referrer: %v", err)
	}

	id, err := svc.Lookup(ctx, "FRIEND30")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if id != "referrer-1" {
		t.Errorf("expected referrer-1, got %s", id)
	}

	// Validation alone never pays: a signup that fails after lookup must
	// leave the referrer's commission at zero.
	acct, err := q.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to get account: %v", err)
	}
	if !acct.CommissionBalance.IsZero() {
		t.Errorf("expected no commission after lookup, got %s", acct.CommissionBalance)
	}
	user, err := q.GetUserByID(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if user.TotalReferrals != 0 {
		t.Errorf("expected no referrals after lookup, got %d", user.TotalReferrals)
	}

	// The credit is a separate step, taken once the signup commits.
	if err := svc.Credit(ctx, id); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	acct, err = q.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to reload account: %v", err)
	}
	if acct.CommissionBalance.StringFixed(2) != "30.00" {
		t.Errorf("expected commission 30.00 after credit, got %s", acct.CommissionBalance)
	}
}

func TestProcessUnknownCode(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Process(context.Background(), "NO-SUCH-CODE")
	if !errors.Is(err, ErrUnknownCode) {
		t.Errorf("expected ErrUnknownCode, got %v", err)
	}
}
