// Package ledger implements the per-user, per-currency balance
// primitives. Every mutation is a single conditional UPDATE at the
// storage layer, never a read-modify-write in application code, so the
// invariants hold under concurrent callers and across service
// instances.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/pkg/models"
)

// Ledger defines the atomic balance primitives.
type Ledger interface {
	Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	Lock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	Unlock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	// Settle decrements locked balance and balance together in one
	// statement; it is the withdrawal settlement primitive, closing the
	// window an unlock-then-debit pair would leave open.
	Settle(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	AvailableBalance(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error)
	Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.BalanceRecord, error)
}

// Service implements Ledger over gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new balance ledger.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// Credit adds amount to the user's balance, creating the balance record
// on first use. Always succeeds for a non-negative amount.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperrors.Validation("credit amount must not be negative")
	}

	if err := s.ensureRecord(ctx, userID, currency); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.BalanceRecord{}).
		Where("user_id = ? AND currency = ?", userID, currency).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + CAST(? AS NUMERIC)", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return apperrors.System("failed to credit balance", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.System("balance record missing after create", nil)
	}

	s.logger.Info("credited balance",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// Lock reserves amount against the available balance. The conditional
// update fails when balance - locked_balance < amount; there is no
// partial lock.
func (s *Service) Lock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperrors.Validation("lock amount must not be negative")
	}

	res := s.db.WithContext(ctx).Model(&models.BalanceRecord{}).
		Where("user_id = ? AND currency = ? AND balance - locked_balance >= CAST(? AS NUMERIC)",
			userID, currency, amount).
		Updates(map[string]interface{}{
			"locked_balance": gorm.Expr("locked_balance + CAST(? AS NUMERIC)", amount),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return apperrors.System("failed to lock funds", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.InsufficientFunds("available balance is below the requested lock")
	}

	s.logger.Info("locked funds",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// Unlock releases up to amount of locked funds, floored at zero.
func (s *Service) Unlock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperrors.Validation("unlock amount must not be negative")
	}

	res := s.db.WithContext(ctx).Model(&models.BalanceRecord{}).
		Where("user_id = ? AND currency = ?", userID, currency).
		Updates(map[string]interface{}{
			"locked_balance": gorm.Expr(
				"CASE WHEN locked_balance >= CAST(? AS NUMERIC) THEN locked_balance - CAST(? AS NUMERIC) ELSE 0 END",
				amount, amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return apperrors.System("failed to unlock funds", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("balance record not found")
	}

	s.logger.Info("unlocked funds",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// Debit subtracts amount from the balance. The condition keeps
// balance - locked_balance >= 0, so callers debiting against a lock
// must have unlocked (or use Settle) first.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperrors.Validation("debit amount must not be negative")
	}

	res := s.db.WithContext(ctx).Model(&models.BalanceRecord{}).
		Where("user_id = ? AND currency = ? AND balance - CAST(? AS NUMERIC) >= locked_balance",
			userID, currency, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - CAST(? AS NUMERIC)", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return apperrors.System("failed to debit balance", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.InsufficientFunds("balance is below the requested debit")
	}

	s.logger.Info("debited balance",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// Settle finalizes a withdrawal: locked balance and balance are
// decremented together, conditional on both covering amount.
func (s *Service) Settle(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperrors.Validation("settle amount must not be negative")
	}

	res := s.db.WithContext(ctx).Model(&models.BalanceRecord{}).
		Where("user_id = ? AND currency = ? AND locked_balance >= CAST(? AS NUMERIC) AND balance >= CAST(? AS NUMERIC)",
			userID, currency, amount, amount).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance - CAST(? AS NUMERIC)", amount),
			"locked_balance": gorm.Expr("locked_balance - CAST(? AS NUMERIC)", amount),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return apperrors.System("failed to settle funds", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.InsufficientFunds("locked balance does not cover the settlement")
	}

	s.logger.Info("settled funds",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// AvailableBalance returns balance minus locked balance, zero when no
// record exists.
func (s *Service) AvailableBalance(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error) {
	rec, err := s.Balance(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.Available(), nil
}

// Balance returns the balance record for the user and currency. A user
// who has never been credited gets a zero-valued record.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.BalanceRecord, error) {
	var rec models.BalanceRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &models.BalanceRecord{
				UserID:        userID,
				Currency:      currency,
				Balance:       decimal.Zero,
				LockedBalance: decimal.Zero,
			}, nil
		}
		return nil, apperrors.System("failed to load balance record", err)
	}
	return &rec, nil
}

// ensureRecord inserts a zero balance row if none exists. The unique
// (user_id, currency) index makes concurrent creates collapse to one.
func (s *Service) ensureRecord(ctx context.Context, userID uuid.UUID, currency string) error {
	now := time.Now()
	rec := models.BalanceRecord{
		ID:            uuid.New(),
		UserID:        userID,
		Currency:      currency,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return apperrors.System("failed to ensure balance record", err)
	}
	return nil
}
