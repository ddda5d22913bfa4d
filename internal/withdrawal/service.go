// Package withdrawal orchestrates the two-phase withdrawal workflow:
// initiate locks funds against the ledger, confirm settles them. The
// state machine is pending -> processing -> completed, with cancelled
// as the remaining terminal state.
package withdrawal

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
	"github.com/coinharbor/custody/pkg/metrics"
	"github.com/coinharbor/custody/pkg/models"
)

var (
	evmTxHashRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	base58TxHashRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{87,88}$`)
)

// Config holds the withdrawal workflow parameters.
type Config struct {
	Currency  string
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// Service implements the withdrawal workflow.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	cfg    Config
	ledger ledger.Ledger
	trail  audit.Trail
}

// NewService creates the withdrawal workflow service.
func NewService(logger *zap.Logger, db *gorm.DB, cfg Config, ldg ledger.Ledger, trail audit.Trail) *Service {
	return &Service{logger: logger, db: db, cfg: cfg, ledger: ldg, trail: trail}
}

// Initiate validates the request, locks the funds and creates the
// withdrawal record. A record-creation failure after a successful lock
// is compensated by unlocking before the error surfaces.
func (s *Service) Initiate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, chain, toAddress string) (*models.WithdrawalRecord, error) {
	if err := ValidateAddress(chain, toAddress); err != nil {
		return nil, err
	}
	if amount.LessThan(s.cfg.MinAmount) || amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, apperrors.Validation("amount out of range",
			apperrors.FieldError{Field: "amount", Message: "must be between " + s.cfg.MinAmount.String() + " and " + s.cfg.MaxAmount.String()})
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, apperrors.Validation("amount has too many decimal places",
			apperrors.FieldError{Field: "amount", Message: "at most 2 decimal places"})
	}

	if err := s.ledger.Lock(ctx, userID, s.cfg.Currency, amount); err != nil {
		metrics.WithdrawalsProcessed.WithLabelValues("rejected").Inc()
		s.auditLog(ctx, audit.EventWithdrawalRejected, userID, map[string]interface{}{
			"reason":     "insufficient funds",
			"amount":     amount.String(),
			"currency":   s.cfg.Currency,
			"chain":      chain,
			"to_address": audit.MaskAddress(toAddress),
		})
		return nil, err
	}

	now := time.Now()
	record := &models.WithdrawalRecord{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Currency:  s.cfg.Currency,
		Chain:     chain,
		ToAddress: toAddress,
		Status:    models.WithdrawalStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := models.ValidateRecord(record); err != nil {
		if unlockErr := s.ledger.Unlock(ctx, userID, s.cfg.Currency, amount); unlockErr != nil {
			s.logger.Error("compensating unlock failed, reconciliation required",
				zap.String("user_id", userID.String()), zap.Error(unlockErr))
		}
		return nil, apperrors.System("withdrawal record failed validation", err)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		// Saga-style rollback: release the lock before surfacing the
		// storage failure.
		if unlockErr := s.ledger.Unlock(ctx, userID, s.cfg.Currency, amount); unlockErr != nil {
			s.logger.Error("compensating unlock failed, reconciliation required",
				zap.String("user_id", userID.String()),
				zap.String("amount", amount.String()),
				zap.Error(unlockErr))
		}
		metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
		return nil, apperrors.System("failed to create withdrawal record", err)
	}

	metrics.WithdrawalsProcessed.WithLabelValues("initiated").Inc()
	s.auditLog(ctx, audit.EventWithdrawalInitiated, userID, map[string]interface{}{
		"withdrawal_id": record.ID.String(),
		"amount":        amount.String(),
		"currency":      s.cfg.Currency,
		"chain":         chain,
		"to_address":    audit.MaskAddress(toAddress),
	})

	s.logger.Info("withdrawal initiated",
		zap.String("withdrawal_id", record.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()))

	return record, nil
}

// Confirm settles a withdrawal. Re-confirming a completed withdrawal
// returns the existing record unchanged with no second debit. Records
// left in processing are rejected; they belong to the reconciliation
// sweep.
func (s *Service) Confirm(ctx context.Context, userID, withdrawalID uuid.UUID, txHash string) (*models.WithdrawalRecord, error) {
	var record models.WithdrawalRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", withdrawalID, userID).
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("withdrawal not found")
		}
		return nil, apperrors.System("failed to load withdrawal record", err)
	}

	if record.Status == models.WithdrawalStatusCompleted {
		return &record, nil
	}
	// A processing record means a previous confirmation stopped between
	// settlement and the completed update. Re-running Settle here would
	// debit twice, so these records are reconciliation-only.
	if record.Status == models.WithdrawalStatusProcessing {
		return nil, apperrors.Conflict("withdrawal needs reconciliation")
	}
	if record.Status != models.WithdrawalStatusPending {
		return nil, apperrors.Conflict("withdrawal is " + record.Status)
	}
	if !evmTxHashRe.MatchString(txHash) && !base58TxHashRe.MatchString(txHash) {
		return nil, apperrors.Validation("malformed transaction hash",
			apperrors.FieldError{Field: "tx_hash", Message: "expected 0x-prefixed 64 hex chars or an 87-88 char base58 signature"})
	}

	// Claim the record: only one confirmation proceeds past pending.
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.WithdrawalRecord{}).
		Where("id = ? AND status = ?", withdrawalID, models.WithdrawalStatusPending).
		Updates(map[string]interface{}{
			"status":     models.WithdrawalStatusProcessing,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, apperrors.System("failed to claim withdrawal record", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race; report the record as the winner left it.
		if err := s.db.WithContext(ctx).Where("id = ?", withdrawalID).First(&record).Error; err != nil {
			return nil, apperrors.System("failed to reload withdrawal record", err)
		}
		if record.Status == models.WithdrawalStatusCompleted {
			return &record, nil
		}
		return nil, apperrors.Conflict("withdrawal confirmation in progress")
	}

	// Settle decrements locked balance and balance in one atomic
	// statement; a crash before the completed update below leaves the
	// record in processing for the reconciliation sweep.
	if err := s.ledger.Settle(ctx, userID, record.Currency, record.Amount); err != nil {
		// Release the claim so the withdrawal stays confirmable; nothing
		// was debited.
		revertErr := s.db.WithContext(ctx).Model(&models.WithdrawalRecord{}).
			Where("id = ? AND status = ?", withdrawalID, models.WithdrawalStatusProcessing).
			Updates(map[string]interface{}{
				"status":     models.WithdrawalStatusPending,
				"updated_at": time.Now(),
			}).Error
		if revertErr != nil {
			s.logger.Error("failed to release withdrawal claim after settlement failure, reconciliation required",
				zap.String("withdrawal_id", withdrawalID.String()),
				zap.Error(revertErr))
		}
		metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
		s.auditLog(ctx, audit.EventWithdrawalRejected, userID, map[string]interface{}{
			"withdrawal_id": withdrawalID.String(),
			"reason":        "settlement failed",
			"amount":        record.Amount.String(),
		})
		return nil, err
	}

	completedAt := time.Now()
	err = s.db.WithContext(ctx).Model(&models.WithdrawalRecord{}).
		Where("id = ?", withdrawalID).
		Updates(map[string]interface{}{
			"status":       models.WithdrawalStatusCompleted,
			"tx_hash":      txHash,
			"completed_at": completedAt,
			"updated_at":   completedAt,
		}).Error
	if err != nil {
		s.logger.Error("withdrawal settled but record update failed, reconciliation required",
			zap.String("withdrawal_id", withdrawalID.String()),
			zap.Error(err))
		return nil, apperrors.System("failed to complete withdrawal record", err)
	}

	if err := s.db.WithContext(ctx).Where("id = ?", withdrawalID).First(&record).Error; err != nil {
		return nil, apperrors.System("failed to reload withdrawal record", err)
	}

	metrics.WithdrawalsProcessed.WithLabelValues("completed").Inc()
	s.auditLog(ctx, audit.EventWithdrawalCompleted, userID, map[string]interface{}{
		"withdrawal_id": record.ID.String(),
		"amount":        record.Amount.String(),
		"currency":      record.Currency,
		"chain":         record.Chain,
		"tx_hash":       txHash,
		"to_address":    audit.MaskAddress(record.ToAddress),
	})

	s.logger.Info("withdrawal completed",
		zap.String("withdrawal_id", record.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("amount", record.Amount.String()))

	return &record, nil
}

// GetWithdrawals returns a page of the user's withdrawal records,
// newest first.
func (s *Service) GetWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.WithdrawalRecord, int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.WithdrawalRecord{}).
		Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, 0, apperrors.System("failed to count withdrawals", err)
	}

	var records []*models.WithdrawalRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&records).Error; err != nil {
		return nil, 0, apperrors.System("failed to list withdrawals", err)
	}
	return records, count, nil
}

// FindStuck returns withdrawals left in processing longer than maxAge.
// These sit in the settled-but-not-completed uncertainty window and
// need reconciliation, never a blind retry.
func (s *Service) FindStuck(ctx context.Context, maxAge time.Duration) ([]*models.WithdrawalRecord, error) {
	cutoff := time.Now().Add(-maxAge)
	var records []*models.WithdrawalRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.WithdrawalStatusProcessing, cutoff).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, apperrors.System("failed to list stuck withdrawals", err)
	}
	return records, nil
}

func (s *Service) auditLog(ctx context.Context, eventType string, userID uuid.UUID, data map[string]interface{}) {
	if _, err := s.trail.Log(ctx, eventType, userID, data, nil); err != nil {
		s.logger.Error("audit log failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
