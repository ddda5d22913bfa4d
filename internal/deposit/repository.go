package deposit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/coinharbor/custody/internal/pending"
	"github.com/coinharbor/custody/pkg/models"
)

// Repository is the durable fallback behind the pending-intent cache:
// when the cache has no entry for a nonce (a restart, or another
// instance issued it), the still-pending deposit record reconstructs
// the intent.
type Repository struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewRepository creates the durable intent lookup. ttl must match the
// nonce TTL used at initiate time so reconstructed intents expire on
// the same schedule.
func NewRepository(db *gorm.DB, ttl time.Duration) *Repository {
	return &Repository{db: db, ttl: ttl}
}

// PendingIntent returns the intent for a nonce whose deposit record is
// still pending, or pending.ErrCacheMiss.
func (r *Repository) PendingIntent(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	var rec models.DepositRecord
	err := r.db.WithContext(ctx).
		Where("nonce = ? AND status = ?", nonce, models.DepositStatusPending).
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pending.ErrCacheMiss
		}
		return nil, err
	}

	return &models.PendingDepositIntent{
		UserID:    rec.UserID,
		Amount:    rec.Amount,
		Chain:     rec.Chain,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.CreatedAt.Add(r.ttl),
	}, nil
}
