// Package api exposes the custody workflows over HTTP. Routing stays
// thin: authentication is the platform middleware's job, which hands
// the caller's identity down as the X-User-ID header.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/internal/audit"
	"github.com/coinharbor/custody/internal/deposit"
	"github.com/coinharbor/custody/internal/ledger"
	"github.com/coinharbor/custody/internal/withdrawal"
)

// Handler provides HTTP handlers for the custody endpoints.
type Handler struct {
	deposits    *deposit.Service
	withdrawals *withdrawal.Service
	balances    ledger.Ledger
	trail       audit.Trail
	logger      *zap.Logger
}

// NewHandler creates a new custody handler.
func NewHandler(
	deposits *deposit.Service,
	withdrawals *withdrawal.Service,
	balances ledger.Ledger,
	trail audit.Trail,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		deposits:    deposits,
		withdrawals: withdrawals,
		balances:    balances,
		trail:       trail,
		logger:      logger,
	}
}

// InitiateDepositRequest is the initiate-deposit request body.
type InitiateDepositRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	Chain  string          `json:"chain" binding:"required,oneof=ethereum solana sui base"`
}

// VerifyDepositRequest is the verify-deposit request body.
type VerifyDepositRequest struct {
	Nonce     string `json:"nonce" binding:"required"`
	TxHash    string `json:"tx_hash" binding:"required"`
	AuthToken string `json:"auth_token"`
}

// InitiateWithdrawalRequest is the initiate-withdrawal request body.
type InitiateWithdrawalRequest struct {
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Chain     string          `json:"chain" binding:"required,oneof=ethereum solana sui base"`
	ToAddress string          `json:"to_address" binding:"required"`
}

// ConfirmWithdrawalRequest is the confirm-withdrawal request body.
type ConfirmWithdrawalRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

// InitiateDeposit handles POST /v1/deposits.
func (h *Handler) InitiateDeposit(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	var req InitiateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Respond(c, apperrors.Validation(err.Error()))
		return
	}

	result, err := h.deposits.Initiate(c.Request.Context(), userID, req.Amount, req.Chain)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// VerifyDeposit handles POST /v1/deposits/verify.
func (h *Handler) VerifyDeposit(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	var req VerifyDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Respond(c, apperrors.Validation(err.Error()))
		return
	}

	record, err := h.deposits.Verify(c.Request.Context(), userID, req.Nonce, req.TxHash, req.AuthToken)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListDeposits handles GET /v1/deposits.
func (h *Handler) ListDeposits(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	limit, offset := pagination(c)
	records, total, err := h.deposits.GetDeposits(c.Request.Context(), userID, limit, offset)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": records, "total": total})
}

// InitiateWithdrawal handles POST /v1/withdrawals.
func (h *Handler) InitiateWithdrawal(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	var req InitiateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Respond(c, apperrors.Validation(err.Error()))
		return
	}

	record, err := h.withdrawals.Initiate(c.Request.Context(), userID, req.Amount, req.Chain, req.ToAddress)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// ConfirmWithdrawal handles POST /v1/withdrawals/:id/confirm.
func (h *Handler) ConfirmWithdrawal(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	withdrawalID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apperrors.Respond(c, apperrors.Validation("malformed withdrawal id",
			apperrors.FieldError{Field: "id", Message: "must be a uuid"}))
		return
	}

	var req ConfirmWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Respond(c, apperrors.Validation(err.Error()))
		return
	}

	record, err := h.withdrawals.Confirm(c.Request.Context(), userID, withdrawalID, req.TxHash)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListWithdrawals handles GET /v1/withdrawals.
func (h *Handler) ListWithdrawals(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	limit, offset := pagination(c)
	records, total, err := h.withdrawals.GetWithdrawals(c.Request.Context(), userID, limit, offset)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": records, "total": total})
}

// GetBalance handles GET /v1/balances/:currency.
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	record, err := h.balances.Balance(c.Request.Context(), userID, c.Param("currency"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":  record.Currency,
		"balance":   record.Balance,
		"locked":    record.LockedBalance,
		"available": record.Available(),
	})
}

// VerifyAuditEntry handles GET /v1/audit/:id/verify.
func (h *Handler) VerifyAuditEntry(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apperrors.Respond(c, apperrors.Validation("malformed event id",
			apperrors.FieldError{Field: "id", Message: "must be a uuid"}))
		return
	}

	valid, err := h.trail.VerifyIntegrity(c.Request.Context(), eventID)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "valid": valid})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// callerID reads the authenticated user from the X-User-ID header set
// by the platform auth middleware.
func (h *Handler) callerID(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.GetHeader("X-User-ID"))
	if err != nil {
		c.Header("Content-Type", "application/problem+json")
		c.JSON(http.StatusUnauthorized, gin.H{
			"title":  "Unauthorized",
			"status": http.StatusUnauthorized,
			"detail": "missing or malformed caller identity",
		})
		return uuid.Nil, false
	}
	return userID, true
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
