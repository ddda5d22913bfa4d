// Package deposit orchestrates the deposit workflow: issuing signed
// nonce challenges and verifying presented transactions before
// crediting the ledger. The state machine per deposit is
// pending -> confirmed | expired | failed, all terminal.
package deposit

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/internal/audit"
	"github.com/coinharbor/custody/internal/ledger"
	"github.com/coinharbor/custody/internal/nonce"
	"github.com/coinharbor/custody/internal/pending"
	"github.com/coinharbor/custody/pkg/metrics"
	"github.com/coinharbor/custody/pkg/models"
)

var (
	evmTxHashRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	base58TxHashRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{87,88}$`)
)

// Config holds the deposit workflow parameters.
type Config struct {
	Currency  string
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	NonceTTL  time.Duration
	// DepositAddresses maps chain name to the platform deposit address
	// returned on initiate.
	DepositAddresses map[string]string
}

// InitiateResult is returned to the caller of Initiate.
type InitiateResult struct {
	Nonce            string          `json:"nonce"`
	DepositAddress   string          `json:"deposit_address"`
	ExpiresInSeconds int             `json:"expires_in_seconds"`
	Amount           decimal.Decimal `json:"amount"`
	Chain            string          `json:"chain"`
}

// Service implements the deposit workflow.
type Service struct {
	logger  *zap.Logger
	db      *gorm.DB
	cfg     Config
	nonces  *nonce.Protocol
	intents *pending.Store
	ledger  ledger.Ledger
	chain   ChainVerifier
	auth    AuthVerifier
	trail   audit.Trail
}

// NewService creates the deposit workflow service.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	cfg Config,
	nonces *nonce.Protocol,
	intents *pending.Store,
	ldg ledger.Ledger,
	chain ChainVerifier,
	auth AuthVerifier,
	trail audit.Trail,
) *Service {
	return &Service{
		logger:  logger,
		db:      db,
		cfg:     cfg,
		nonces:  nonces,
		intents: intents,
		ledger:  ldg,
		chain:   chain,
		auth:    auth,
		trail:   trail,
	}
}

// Initiate validates the request, issues a signed nonce and stores the
// pending intent together with its durable deposit record.
func (s *Service) Initiate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, chain string) (*InitiateResult, error) {
	if !models.SupportedChain(chain) {
		return nil, apperrors.Validation("unsupported chain",
			apperrors.FieldError{Field: "chain", Message: "must be one of ethereum, solana, sui, base"})
	}
	if err := s.validateAmount(amount, 8); err != nil {
		return nil, err
	}

	raw, signed, err := s.nonces.Issue()
	if err != nil {
		return nil, apperrors.System("failed to issue deposit nonce", err)
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.NonceTTL)
	intent := &models.PendingDepositIntent{
		UserID:    userID,
		Amount:    amount,
		Chain:     chain,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	record := &models.DepositRecord{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Currency:  s.cfg.Currency,
		Chain:     chain,
		ToAddress: s.cfg.DepositAddresses[chain],
		Nonce:     raw,
		Status:    models.DepositStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := models.ValidateRecord(record); err != nil {
		return nil, apperrors.System("deposit record failed validation", err)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, apperrors.System("failed to create deposit record", err)
	}

	if err := s.intents.Put(ctx, raw, intent, s.cfg.NonceTTL); err != nil {
		s.logger.Error("failed to cache pending intent, durable fallback will serve it",
			zap.String("deposit_id", record.ID.String()), zap.Error(err))
	}

	s.auditLog(ctx, audit.EventDepositInitiated, userID, map[string]interface{}{
		"deposit_id": record.ID.String(),
		"amount":     amount.String(),
		"currency":   s.cfg.Currency,
		"chain":      chain,
		"to_address": audit.MaskAddress(record.ToAddress),
	})

	s.logger.Info("deposit initiated",
		zap.String("deposit_id", record.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("chain", chain),
		zap.String("amount", amount.String()))

	return &InitiateResult{
		Nonce:            signed,
		DepositAddress:   record.ToAddress,
		ExpiresInSeconds: int(s.cfg.NonceTTL.Seconds()),
		Amount:           amount,
		Chain:            chain,
	}, nil
}

// Verify consumes a nonce challenge and, when every check passes,
// confirms the deposit and credits the ledger. The claim of the pending
// intent is atomic, and the conditional pending->confirmed record
// transition guarantees a nonce can credit at most once even when the
// intent was recovered through the durable fallback.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, signedNonce, txHash, authToken string) (*models.DepositRecord, error) {
	timer := time.Now()
	defer func() { metrics.DepositVerifyLatency.Observe(time.Since(timer).Seconds()) }()

	raw, err := s.nonces.Verify(signedNonce)
	if err != nil {
		metrics.NonceRejections.WithLabelValues("tampered").Inc()
		s.auditLog(ctx, audit.EventDepositRejected, userID, map[string]interface{}{
			"reason": "nonce signature mismatch",
		})
		return nil, err
	}

	if !validTxHash(txHash) {
		return nil, apperrors.Validation("malformed transaction hash",
			apperrors.FieldError{Field: "tx_hash", Message: "expected 0x-prefixed 64 hex chars or an 87-88 char base58 signature"})
	}

	intent, err := s.intents.Claim(ctx, raw)
	if err != nil {
		metrics.NonceRejections.WithLabelValues("not_found").Inc()
		s.auditLog(ctx, audit.EventDepositRejected, userID, map[string]interface{}{
			"reason": "unknown or already consumed nonce",
		})
		return nil, apperrors.NotFound("deposit intent not found")
	}

	// Do not reveal which user owns the intent.
	if intent.UserID != userID {
		metrics.NonceRejections.WithLabelValues("ownership").Inc()
		s.auditLog(ctx, audit.EventDepositRejected, userID, map[string]interface{}{
			"reason": "intent ownership mismatch",
		})
		return nil, apperrors.NotFound("deposit intent not found")
	}

	if intent.Expired(time.Now()) {
		metrics.NonceRejections.WithLabelValues("expired").Inc()
		metrics.DepositsProcessed.WithLabelValues("expired").Inc()
		s.transition(ctx, raw, models.DepositStatusExpired, "")
		s.auditLog(ctx, audit.EventDepositExpired, userID, map[string]interface{}{
			"chain":  intent.Chain,
			"amount": intent.Amount.String(),
		})
		return nil, apperrors.Expired("deposit challenge expired")
	}

	if authToken != "" && s.auth != nil {
		if err := s.auth.Verify(ctx, authToken); err != nil {
			metrics.DepositsProcessed.WithLabelValues("failed").Inc()
			s.transition(ctx, raw, models.DepositStatusFailed, "")
			s.auditLog(ctx, audit.EventDepositFailed, userID, map[string]interface{}{
				"reason": "auth token verification failed",
				"chain":  intent.Chain,
			})
			return nil, apperrors.Validation("auth token verification failed")
		}
	}

	approved, err := s.chain.VerifyTransaction(ctx, txHash, intent.Chain, intent.Amount)
	if err != nil {
		metrics.DepositsProcessed.WithLabelValues("failed").Inc()
		s.transition(ctx, raw, models.DepositStatusFailed, "")
		s.auditLog(ctx, audit.EventDepositFailed, userID, map[string]interface{}{
			"reason": "chain verifier unavailable",
			"chain":  intent.Chain,
		})
		return nil, apperrors.System("chain verification failed", err)
	}
	if !approved {
		metrics.DepositsProcessed.WithLabelValues("failed").Inc()
		s.transition(ctx, raw, models.DepositStatusFailed, "")
		s.auditLog(ctx, audit.EventDepositFailed, userID, map[string]interface{}{
			"reason":  "chain transaction rejected",
			"chain":   intent.Chain,
			"tx_hash": txHash,
		})
		return nil, apperrors.Validation("chain transaction verification failed")
	}

	// All checks passed: confirm first, credit last. The conditional
	// status transition is the single arbiter against double credits.
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.DepositRecord{}).
		Where("nonce = ? AND status = ?", raw, models.DepositStatusPending).
		Updates(map[string]interface{}{
			"status":       models.DepositStatusConfirmed,
			"tx_hash":      txHash,
			"confirmed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, apperrors.System("failed to confirm deposit record", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.NonceRejections.WithLabelValues("not_found").Inc()
		s.auditLog(ctx, audit.EventDepositRejected, userID, map[string]interface{}{
			"reason": "deposit already processed",
		})
		return nil, apperrors.Conflict("deposit already processed")
	}

	if err := s.ledger.Credit(ctx, userID, s.cfg.Currency, intent.Amount); err != nil {
		// The record is confirmed but the credit failed; surface the
		// failure for a retry of the atomic credit, never a manual
		// balance write.
		s.logger.Error("credit failed after deposit confirmation, reconciliation required",
			zap.String("user_id", userID.String()),
			zap.String("amount", intent.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	_ = s.intents.Delete(ctx, raw)

	var record models.DepositRecord
	if err := s.db.WithContext(ctx).Where("nonce = ?", raw).First(&record).Error; err != nil {
		return nil, apperrors.System("failed to reload deposit record", err)
	}

	metrics.DepositsProcessed.WithLabelValues("confirmed").Inc()
	s.auditLog(ctx, audit.EventDepositConfirmed, userID, map[string]interface{}{
		"deposit_id": record.ID.String(),
		"amount":     record.Amount.String(),
		"currency":   record.Currency,
		"chain":      record.Chain,
		"tx_hash":    txHash,
		"to_address": audit.MaskAddress(record.ToAddress),
	})

	s.logger.Info("deposit confirmed",
		zap.String("deposit_id", record.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("amount", record.Amount.String()))

	return &record, nil
}

// GetDeposits returns a page of the user's deposit records, newest
// first.
func (s *Service) GetDeposits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.DepositRecord, int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.DepositRecord{}).
		Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, 0, apperrors.System("failed to count deposits", err)
	}

	var records []*models.DepositRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&records).Error; err != nil {
		return nil, 0, apperrors.System("failed to list deposits", err)
	}
	return records, count, nil
}

// transition moves the deposit record for a nonce out of pending.
func (s *Service) transition(ctx context.Context, rawNonce, status, txHash string) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	err := s.db.WithContext(ctx).Model(&models.DepositRecord{}).
		Where("nonce = ? AND status = ?", rawNonce, models.DepositStatusPending).
		Updates(updates).Error
	if err != nil {
		s.logger.Error("failed to transition deposit record",
			zap.String("status", status), zap.Error(err))
	}
	_ = s.intents.Delete(ctx, rawNonce)
}

func (s *Service) validateAmount(amount decimal.Decimal, places int32) error {
	if amount.LessThan(s.cfg.MinAmount) || amount.GreaterThan(s.cfg.MaxAmount) {
		return apperrors.Validation("amount out of range",
			apperrors.FieldError{Field: "amount", Message: "must be between " + s.cfg.MinAmount.String() + " and " + s.cfg.MaxAmount.String()})
	}
	if !amount.Equal(amount.Round(places)) {
		return apperrors.Validation("amount has too many decimal places",
			apperrors.FieldError{Field: "amount", Message: "too many decimal places"})
	}
	return nil
}

// auditLog is fail-closed for the caller: rejection paths log too, and
// a failed audit write never aborts the operation (the trail falls back
// to the process log internally).
func (s *Service) auditLog(ctx context.Context, eventType string, userID uuid.UUID, data map[string]interface{}) {
	if _, err := s.trail.Log(ctx, eventType, userID, data, nil); err != nil {
		s.logger.Error("audit log failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func validTxHash(txHash string) bool {
	return evmTxHashRe.MatchString(txHash) || base58TxHashRe.MatchString(txHash)
}
