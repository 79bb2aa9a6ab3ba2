package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"platform-core/internal/engine"
	"platform-core/internal/events"
	"platform-core/internal/ledger"
	"platform-core/internal/monitor"
	"platform-core/internal/outcome"
	"platform-core/internal/referral"
	"platform-core/internal/transfer"
	"platform-core/pkg/db"
)

const adminEmail = "admin@example.com"

func newTestAPIServer(t *testing.T, winProb float64) (*httptest.Server, *db.Queries, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// The per-IP limiter map is shared across the package; reset it so one
	// test's traffic cannot starve the next.
	mu.Lock()
	ipLimiters = make(map[string]*rate.Limiter)
	mu.Unlock()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	queries := database.Queries()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	locks := ledger.NewLocks()
	ledgerSvc := ledger.New(queries, locks, 3)
	resolver := outcome.NewResolver(queries, winProb, rand.NewSource(1))

	engineSvc := engine.NewImpl(engine.Config{
		Store:    queries,
		Resolver: resolver,
		Locks:    locks,
		Bus:      bus,
		Metrics:  metrics,
		NodeID:   "test-node",
		Version:  "test",
	})
	transferSvc := transfer.NewService(queries, locks, bus, metrics, []string{"BTC", "ETH", "USDT"})
	referralSvc := referral.NewService(queries, locks, decimal.RequireFromString("30"))

	server := NewServer(Deps{
		Bus:         bus,
		Queries:     queries,
		Engine:      engineSvc,
		Transfers:   transferSvc,
		Referrals:   referralSvc,
		Ledger:      ledgerSvc,
		Metrics:     metrics,
		JWTSecret:   "test-secret",
		TokenTTL:    time.Hour,
		AdminEmails: []string{adminEmail},
	})

	httpServer := httptest.NewServer(server.Router)
	cleanup := func() {
		httpServer.Close()
		bus.Close()
		_ = database.Close()
	}
	return httpServer, queries, cleanup
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL, email string) (userID, token string) {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"username": "tester",
		"email":    email,
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"email":    email,
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return regResp.UserID, loginResp.Token
}

func fundAccount(t *testing.T, client *http.Client, baseURL, adminToken, accountID, balance string) {
	t.Helper()
	status := doJSONRequest(t, client, http.MethodPut,
		baseURL+"/api/admin/accounts/"+accountID+"/balance", adminToken,
		map[string]string{"balance": balance}, nil)
	if status != http.StatusOK {
		t.Fatalf("fund account status=%d", status)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balance", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got status=%d code=%s", status, resp.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()

	t.Run("invalid email", func(t *testing.T) {
		var resp struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
			"email":    "not-an-email",
			"password": "pw",
		}, &resp)
		if status != http.StatusBadRequest || resp.Code != "INVALID_EMAIL" {
			t.Fatalf("expected 400 INVALID_EMAIL, got status=%d code=%s", status, resp.Code)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		registerAndLogin(t, client, ts.URL, "dup@example.com")

		var resp struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
			"email":    "dup@example.com",
			"password": "pw",
		}, &resp)
		if status != http.StatusConflict || resp.Code != "EMAIL_ALREADY_REGISTERED" {
			t.Fatalf("expected 409, got status=%d code=%s", status, resp.Code)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		var resp struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
			"email":    "dup@example.com",
			"password": "wrong",
		}, &resp)
		if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
			t.Fatalf("expected 401, got status=%d code=%s", status, resp.Code)
		}
	})
}

func TestTradeFlow(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0) // every trade wins
	defer cleanup()
	client := ts.Client()

	_, adminToken := registerAndLogin(t, client, ts.URL, adminEmail)
	userID, userToken := registerAndLogin(t, client, ts.URL, "trader@example.com")
	fundAccount(t, client, ts.URL, adminToken, userID, "100")

	var tradeResp struct {
		Outcome      string `json:"outcome"`
		Payout       string `json:"payout"`
		BalanceAfter string `json:"balance_after"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/trade", userToken, map[string]any{
		"request_id": "req-1",
		"stake":      "40",
		"side":       "buy",
		"asset":      "BTC/USDT",
	}, &tradeResp)
	if status != http.StatusOK {
		t.Fatalf("trade status=%d resp=%+v", status, tradeResp)
	}
	if tradeResp.Outcome != "WIN" || tradeResp.Payout != "78" {
		t.Fatalf("unexpected settlement: %+v", tradeResp)
	}

	var balResp struct {
		Balance string `json:"balance"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balance", userToken, nil, &balResp)
	if status != http.StatusOK || balResp.Balance != "138.00" {
		t.Fatalf("expected balance 138.00, got status=%d balance=%s", status, balResp.Balance)
	}

	var listResp struct {
		Trades []struct {
			RequestID string `json:"request_id"`
		} `json:"trades"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/trades", userToken, nil, &listResp)
	if status != http.StatusOK || len(listResp.Trades) != 1 {
		t.Fatalf("expected one trade, got status=%d trades=%d", status, len(listResp.Trades))
	}

	// Resubmitting the same request id must not settle twice.
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/trade", userToken, map[string]any{
		"request_id": "req-1",
		"stake":      "40",
		"side":       "buy",
		"asset":      "BTC/USDT",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("retry status=%d", status)
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balance", userToken, nil, &balResp)
	if status != http.StatusOK || balResp.Balance != "138.00" {
		t.Fatalf("expected balance unchanged at 138.00, got %s", balResp.Balance)
	}
}

func TestTradeValidationErrors(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()

	_, adminToken := registerAndLogin(t, client, ts.URL, adminEmail)
	userID, userToken := registerAndLogin(t, client, ts.URL, "trader@example.com")
	fundAccount(t, client, ts.URL, adminToken, userID, "50")

	cases := []struct {
		name       string
		payload    map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "zero stake",
			payload:    map[string]any{"stake": "0", "side": "BUY", "asset": "BTC/USDT"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_STAKE",
		},
		{
			name:       "bad side",
			payload:    map[string]any{"stake": "10", "side": "HOLD", "asset": "BTC/USDT"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_SIDE",
		},
		{
			name:       "missing asset",
			payload:    map[string]any{"stake": "10", "side": "SELL"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_ASSET",
		},
		{
			name:       "stake above balance",
			payload:    map[string]any{"stake": "60", "side": "BUY", "asset": "BTC/USDT"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INSUFFICIENT_BALANCE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp struct {
				Code string `json:"code"`
			}
			status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/trade", userToken, tc.payload, &resp)
			if status != tc.wantStatus || resp.Code != tc.wantCode {
				t.Fatalf("expected %d %s, got %d %s", tc.wantStatus, tc.wantCode, status, resp.Code)
			}
		})
	}
}

func TestAdminGating(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()

	_, userToken := registerAndLogin(t, client, ts.URL, "user@example.com")

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/overrides", userToken, map[string]string{
		"account_id": "whatever",
		"outcome":    "WIN",
	}, &resp)
	if status != http.StatusForbidden || resp.Code != "ADMIN_REQUIRED" {
		t.Fatalf("expected 403 ADMIN_REQUIRED, got status=%d code=%s", status, resp.Code)
	}
}

func TestOverrideFlow(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0) // wins by default
	defer cleanup()
	client := ts.Client()

	_, adminToken := registerAndLogin(t, client, ts.URL, adminEmail)
	userID, userToken := registerAndLogin(t, client, ts.URL, "trader@example.com")
	fundAccount(t, client, ts.URL, adminToken, userID, "1000")

	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/overrides", adminToken, map[string]string{
		"account_id": userID,
		"outcome":    "LOSE",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("set override status=%d", status)
	}

	var tradeResp struct {
		Outcome string `json:"outcome"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/trade", userToken, map[string]any{
		"stake": "10", "side": "BUY", "asset": "BTC/USDT",
	}, &tradeResp)
	if status != http.StatusOK || tradeResp.Outcome != "LOSE" {
		t.Fatalf("expected forced LOSE, got status=%d outcome=%s", status, tradeResp.Outcome)
	}

	// The override is single-use; the next trade falls back to the coin
	// flip, which always wins at probability 1.
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/trade", userToken, map[string]any{
		"stake": "10", "side": "BUY", "asset": "BTC/USDT",
	}, &tradeResp)
	if status != http.StatusOK || tradeResp.Outcome != "WIN" {
		t.Fatalf("expected WIN after override consumed, got status=%d outcome=%s", status, tradeResp.Outcome)
	}
}

func TestTransferFlow(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()

	_, adminToken := registerAndLogin(t, client, ts.URL, adminEmail)
	_, userToken := registerAndLogin(t, client, ts.URL, "trader@example.com")

	var createResp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/transfers", userToken, map[string]any{
		"direction": "DEPOSIT",
		"token":     "USDT",
		"amount":    "50",
		"txid":      "0xdeadbeef",
	}, &createResp)
	if status != http.StatusCreated || createResp.Status != "PENDING" {
		t.Fatalf("create transfer status=%d resp=%+v", status, createResp)
	}

	// Pending deposit has not credited anything yet.
	var balResp struct {
		Balance string `json:"balance"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balance", userToken, nil, &balResp)
	if status != http.StatusOK || balResp.Balance != "0.00" {
		t.Fatalf("expected balance 0.00 while pending, got %s", balResp.Balance)
	}

	// The admin queue shows the transfer.
	var queueResp struct {
		Transfers []struct {
			ID string `json:"id"`
		} `json:"transfers"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/transfers?status=PENDING", adminToken, nil, &queueResp)
	if status != http.StatusOK || len(queueResp.Transfers) != 1 {
		t.Fatalf("expected one pending transfer, got status=%d n=%d", status, len(queueResp.Transfers))
	}

	status = doJSONRequest(t, client, http.MethodPost,
		ts.URL+"/api/admin/transfers/"+createResp.ID+"/approve", adminToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("approve status=%d", status)
	}

	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balance", userToken, nil, &balResp)
	if status != http.StatusOK || balResp.Balance != "50.00" {
		t.Fatalf("expected balance 50.00 after approval, got %s", balResp.Balance)
	}

	// A second approval of the same transfer is rejected.
	var conflictResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost,
		ts.URL+"/api/admin/transfers/"+createResp.ID+"/approve", adminToken, nil, &conflictResp)
	if status != http.StatusConflict || conflictResp.Code != "ALREADY_DECIDED" {
		t.Fatalf("expected 409 ALREADY_DECIDED, got status=%d code=%s", status, conflictResp.Code)
	}
}

func TestReferralOnRegister(t *testing.T) {
	ts, queries, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()
	ctx := context.Background()

	// Seed a referrer who owns a code.
	now := time.Now().UTC()
	err := queries.CreateUser(ctx, db.User{
		ID:           "referrer-1",
		Email:        "referrer@example.com",
		PasswordHash: "x",
		ReferralCode: "FRIEND30",
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Failed to seed referrer: %v", err)
	}

	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email":         "friend@example.com",
		"password":      "pw12345",
		"referral_code": "FRIEND30",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d", status)
	}

	acct, err := queries.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatalf("Failed to get referrer account: %v", err)
	}
	if acct.CommissionBalance.StringFixed(2) != "30.00" {
		t.Fatalf("expected commission 30.00, got %s", acct.CommissionBalance)
	}

	t.Run("unknown code is rejected", func(t *testing.T) {
		var resp struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
			"email":         "other@example.com",
			"password":      "pw12345",
			"referral_code": "NO-SUCH-CODE",
		}, &resp)
		if status != http.StatusBadRequest || resp.Code != "INVALID_REFERRAL_CODE" {
			t.Fatalf("expected 400 INVALID_REFERRAL_CODE, got status=%d code=%s", status, resp.Code)
		}
	})
}

func TestSystemStatus(t *testing.T) {
	ts, _, cleanup := newTestAPIServer(t, 1.0)
	defer cleanup()
	client := ts.Client()

	_, userToken := registerAndLogin(t, client, ts.URL, "user@example.com")

	var resp struct {
		NodeID           string `json:"node_id"`
		PayoutMultiplier string `json:"payout_multiplier"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/system/status", userToken, nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("status endpoint=%d", status)
	}
	if resp.NodeID != "test-node" || resp.PayoutMultiplier != "1.95" {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
}
