// Package audit provides the append-only, signed log of every
// ledger-affecting event. Each entry carries an HMAC-SHA256 signature
// over its canonicalized fields so out-of-band mutation is detectable.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/pkg/metrics"
	"github.com/coinharbor/custody/pkg/models"
)

// Event types emitted by the deposit and withdrawal workflows
const (
	EventDepositInitiated    = "deposit.initiated"
	EventDepositConfirmed    = "deposit.confirmed"
	EventDepositExpired      = "deposit.expired"
	EventDepositFailed       = "deposit.failed"
	EventDepositRejected     = "deposit.rejected"
	EventWithdrawalInitiated = "withdrawal.initiated"
	EventWithdrawalCompleted = "withdrawal.completed"
	EventWithdrawalRejected  = "withdrawal.rejected"
)

// Trail is the audit logging interface consumed by the workflows.
type Trail interface {
	Log(ctx context.Context, eventType string, userID uuid.UUID, data, metadata map[string]interface{}) (uuid.UUID, error)
	VerifyIntegrity(ctx context.Context, eventID uuid.UUID) (bool, error)
}

// Service implements Trail over gorm with a zap fallback sink.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	secret []byte
}

// NewService creates an audit trail signing with secret.
func NewService(logger *zap.Logger, db *gorm.DB, secret []byte) *Service {
	return &Service{logger: logger, db: db, secret: secret}
}

// Log signs and persists an audit entry and returns its id. When
// persistence fails the entry is emitted to the process log instead so
// the event is never silently dropped; that sink is not durable, which
// the fallback write records loudly.
func (s *Service) Log(ctx context.Context, eventType string, userID uuid.UUID, data, metadata map[string]interface{}) (uuid.UUID, error) {
	id := uuid.New()
	// Microsecond precision survives the round-trip through both
	// postgres and sqlite timestamp storage.
	createdAt := time.Now().UTC().Truncate(time.Microsecond)

	dataJSON, err := canonicalJSON(data)
	if err != nil {
		return uuid.Nil, apperrors.System("failed to canonicalize audit data", err)
	}
	metaJSON, err := canonicalJSON(metadata)
	if err != nil {
		return uuid.Nil, apperrors.System("failed to canonicalize audit metadata", err)
	}

	signature, err := s.signature(id, eventType, userID, createdAt, dataJSON)
	if err != nil {
		return uuid.Nil, apperrors.System("failed to sign audit entry", err)
	}

	entry := &models.AuditLogEntry{
		ID:        id,
		EventType: eventType,
		UserID:    userID,
		Data:      string(dataJSON),
		Metadata:  string(metaJSON),
		Signature: signature,
		CreatedAt: createdAt,
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		metrics.AuditFallbackWrites.Inc()
		s.logger.Error("audit persistence failed, emitting to fallback sink",
			zap.String("event_id", id.String()),
			zap.String("event_type", eventType),
			zap.String("user_id", userID.String()),
			zap.String("data", entry.Data),
			zap.String("signature", signature),
			zap.Error(err))
		return id, nil
	}

	s.logger.Debug("audit entry stored",
		zap.String("event_id", id.String()),
		zap.String("event_type", eventType))
	return id, nil
}

// VerifyIntegrity refetches the entry, recomputes the signature from
// its stored fields and compares. False means the entry was mutated
// after creation.
func (s *Service) VerifyIntegrity(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var entry models.AuditLogEntry
	err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, apperrors.NotFound("audit entry not found")
		}
		return false, apperrors.System("failed to load audit entry", err)
	}

	dataJSON, err := recanonicalize(entry.Data)
	if err != nil {
		return false, nil
	}

	expected, err := s.signature(entry.ID, entry.EventType, entry.UserID, entry.CreatedAt, dataJSON)
	if err != nil {
		return false, apperrors.System("failed to recompute audit signature", err)
	}

	return hmac.Equal([]byte(expected), []byte(entry.Signature)), nil
}

// signature computes HMAC(secret, canonicalJSON({id, eventType, userId,
// timestamp, data})) with sorted keys for determinism.
func (s *Service) signature(id uuid.UUID, eventType string, userID uuid.UUID, createdAt time.Time, dataJSON []byte) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"id":         id.String(),
		"event_type": eventType,
		"user_id":    userID.String(),
		"timestamp":  createdAt.UTC().Format(time.RFC3339Nano),
		"data":       json.RawMessage(dataJSON),
	})
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalJSON serializes a data map with keys sorted at every level.
// encoding/json sorts map keys, so a parse-and-remarshal round trip is
// stable; call sites keep values to strings and integers.
func canonicalJSON(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return recanonicalize(string(raw))
}

func recanonicalize(raw string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("audit data is not a JSON object: %w", err)
	}
	return json.Marshal(m)
}

// MaskAddress shows only the first 6 and last 4 characters of an
// on-chain address for audit data.
func MaskAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
