package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"platform-core/internal/engine"
	"platform-core/internal/events"
	"platform-core/internal/ledger"
	"platform-core/internal/transfer"
	"platform-core/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func queryLimit(c *gin.Context, def, max int) int {
	raw := c.DefaultQuery("limit", strconv.Itoa(def))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ----------------------------------------
// Trading
// ----------------------------------------

type tradeRequest struct {
	RequestID string          `json:"request_id"`
	Stake     decimal.Decimal `json:"stake"`
	Side      string          `json:"side"`
	Asset     string          `json:"asset"`
}

func (s *Server) placeTrade(c *gin.Context) {
	accountID := CurrentUserID(c)
	if accountID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var req tradeRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	rec, err := s.Engine.Settle(c.Request.Context(), engine.TradeRequest{
		RequestID: req.RequestID,
		AccountID: accountID,
		Stake:     req.Stake,
		Side:      strings.ToUpper(strings.TrimSpace(req.Side)),
		Asset:     strings.TrimSpace(req.Asset),
	})
	if err != nil {
		s.respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) respondTradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidStake):
		respondError(c, http.StatusBadRequest, "INVALID_STAKE", "stake must be a positive amount")
	case errors.Is(err, engine.ErrInvalidSide):
		respondError(c, http.StatusBadRequest, "INVALID_SIDE", "side must be BUY or SELL")
	case errors.Is(err, engine.ErrInvalidAsset):
		respondError(c, http.StatusBadRequest, "INVALID_ASSET", "unsupported asset")
	case errors.Is(err, engine.ErrInsufficientBalance):
		respondError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "insufficient balance")
	case errors.Is(err, engine.ErrAccountNotFound):
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	case errors.Is(err, engine.ErrRequestIDConflict):
		respondError(c, http.StatusConflict, "REQUEST_ID_CONFLICT", "request_id was already used by another account")
	default:
		logrus.WithError(err).Error("settlement failed")
		respondError(c, http.StatusServiceUnavailable, "SETTLEMENT_FAILED", "settlement could not be completed, retry with the same request_id")
	}
}

func (s *Server) getBalance(c *gin.Context) {
	accountID := CurrentUserID(c)
	if accountID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	acct, err := s.Engine.Balance(c.Request.Context(), accountID)
	if errors.Is(err, engine.ErrAccountNotFound) {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":         acct.UserID,
		"balance":            acct.Balance.StringFixed(2),
		"commission_balance": acct.CommissionBalance.StringFixed(2),
		"updated_at":         acct.UpdatedAt,
	})
}

func (s *Server) getTrades(c *gin.Context) {
	accountID := CurrentUserID(c)
	if accountID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	limit := queryLimit(c, 50, 500)
	trades, err := s.Engine.Trades(c.Request.Context(), accountID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if trades == nil {
		trades = []db.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()))
}

// ----------------------------------------
// Transfers
// ----------------------------------------

type transferRequest struct {
	Direction     string          `json:"direction"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address"`
	TxID          string          `json:"txid"`
}

func (s *Server) createTransfer(c *gin.Context) {
	accountID := CurrentUserID(c)
	if accountID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var req transferRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	t, err := s.Transfers.Request(c.Request.Context(), accountID,
		strings.ToUpper(strings.TrimSpace(req.Direction)),
		strings.ToUpper(strings.TrimSpace(req.Token)),
		req.Amount, req.WalletAddress, req.TxID)
	if err != nil {
		s.respondTransferError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}

func (s *Server) respondTransferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transfer.ErrInvalidAmount):
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive value")
	case errors.Is(err, transfer.ErrInvalidDirection):
		respondError(c, http.StatusBadRequest, "INVALID_DIRECTION", "direction must be DEPOSIT or WITHDRAW")
	case errors.Is(err, transfer.ErrUnsupportedToken):
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_TOKEN", "token is not supported")
	case errors.Is(err, transfer.ErrWalletRequired):
		respondError(c, http.StatusBadRequest, "WALLET_REQUIRED", "wallet address is required for withdrawals")
	case errors.Is(err, transfer.ErrInsufficientBalance):
		respondError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "insufficient balance")
	case errors.Is(err, transfer.ErrAccountNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "record not found")
	case errors.Is(err, db.ErrAlreadyDecided):
		respondError(c, http.StatusConflict, "ALREADY_DECIDED", "transfer already decided")
	default:
		logrus.WithError(err).Error("transfer operation failed")
		respondError(c, http.StatusInternalServerError, "TRANSFER_FAILED", err.Error())
	}
}

func (s *Server) getTransfers(c *gin.Context) {
	accountID := CurrentUserID(c)
	if accountID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	limit := queryLimit(c, 50, 500)
	transfers, err := s.Transfers.ForAccount(c.Request.Context(), accountID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if transfers == nil {
		transfers = []db.Transfer{}
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

// ----------------------------------------
// Admin
// ----------------------------------------

func (s *Server) listUsers(c *gin.Context) {
	limit := queryLimit(c, 100, 1000)
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	users, err := s.Queries.ListUsers(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		entry := gin.H{
			"id":              u.ID,
			"email":           u.Email,
			"username":        u.Username,
			"is_admin":        u.IsAdmin,
			"total_referrals": u.TotalReferrals,
			"created_at":      u.CreatedAt,
		}
		if acct, err := s.Queries.GetAccount(c.Request.Context(), u.ID); err == nil {
			entry["balance"] = acct.Balance.StringFixed(2)
			entry["commission_balance"] = acct.CommissionBalance.StringFixed(2)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

type overrideRequest struct {
	AccountID string `json:"account_id"`
	Outcome   string `json:"outcome"`
}

func (s *Server) setOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	req.Outcome = strings.ToUpper(strings.TrimSpace(req.Outcome))
	if req.Outcome != db.OutcomeWin && req.Outcome != db.OutcomeLose {
		respondError(c, http.StatusBadRequest, "INVALID_OUTCOME", "outcome must be WIN or LOSE")
		return
	}
	if req.AccountID == "" {
		respondError(c, http.StatusBadRequest, "MISSING_ACCOUNT", "account_id is required")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.Queries.GetAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	override := db.OutcomeOverride{
		AccountID:     req.AccountID,
		ForcedOutcome: req.Outcome,
		SetBy:         CurrentUserID(c),
	}
	if err := s.Queries.UpsertOverride(ctx, override); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	if s.Bus != nil {
		s.Bus.Publish(events.EventOverrideSet, override)
	}
	logrus.WithFields(logrus.Fields{
		"account": req.AccountID,
		"outcome": req.Outcome,
		"admin":   override.SetBy,
	}).Info("outcome override set")

	c.JSON(http.StatusOK, gin.H{
		"account_id": req.AccountID,
		"outcome":    req.Outcome,
	})
}

func (s *Server) getOverride(c *gin.Context) {
	accountID := c.Param("account_id")
	o, err := s.Queries.GetOverride(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if o == nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no pending override for account")
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) clearOverride(c *gin.Context) {
	accountID := c.Param("account_id")
	if err := s.Queries.DeleteOverride(c.Request.Context(), accountID); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "cleared": true})
}

func (s *Server) listTransfersByStatus(c *gin.Context) {
	status := strings.ToUpper(c.DefaultQuery("status", db.TransferPending))
	switch status {
	case db.TransferPending, db.TransferApproved, db.TransferRejected:
	default:
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "status must be PENDING, APPROVED or REJECTED")
		return
	}

	limit := queryLimit(c, 100, 1000)
	transfers, err := s.Transfers.ByStatus(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if transfers == nil {
		transfers = []db.Transfer{}
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

func (s *Server) approveTransfer(c *gin.Context) {
	t, err := s.Transfers.Approve(c.Request.Context(), c.Param("id"), CurrentUserID(c))
	if err != nil {
		s.respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) rejectTransfer(c *gin.Context) {
	t, err := s.Transfers.Reject(c.Request.Context(), c.Param("id"), CurrentUserID(c))
	if err != nil {
		s.respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type balanceAdjustRequest struct {
	Balance           *decimal.Decimal `json:"balance"`
	CommissionBalance *decimal.Decimal `json:"commission_balance"`
}

// adjustBalance lets an administrator set ledger balances directly. The
// write goes through the same CAS path as settlements.
func (s *Server) adjustBalance(c *gin.Context) {
	accountID := c.Param("account_id")

	var req balanceAdjustRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.Balance == nil && req.CommissionBalance == nil {
		respondError(c, http.StatusBadRequest, "NOTHING_TO_UPDATE", "provide balance and/or commission_balance")
		return
	}

	acct, err := s.Ledger.Adjust(c.Request.Context(), accountID,
		func(balance, commission decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
			if req.Balance != nil {
				balance = *req.Balance
			}
			if req.CommissionBalance != nil {
				commission = *req.CommissionBalance
			}
			return balance, commission, nil
		})
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
		case errors.Is(err, ledger.ErrNegativeBalance):
			respondError(c, http.StatusBadRequest, "NEGATIVE_BALANCE", "balance must not go negative")
		default:
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		}
		return
	}

	if s.Bus != nil {
		s.Bus.Publish(events.EventBalanceChanged, events.BalanceChange{
			AccountID: acct.UserID,
			Balance:   acct.Balance.StringFixed(2),
			Reason:    "admin",
		})
	}
	logrus.WithFields(logrus.Fields{
		"account": accountID,
		"admin":   CurrentUserID(c),
	}).Info("admin balance adjustment")

	c.JSON(http.StatusOK, gin.H{
		"account_id":         acct.UserID,
		"balance":            acct.Balance.StringFixed(2),
		"commission_balance": acct.CommissionBalance.StringFixed(2),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not enabled")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
