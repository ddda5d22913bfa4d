package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/pkg/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.AuditLogEntry{}))
	return db
}

func TestLogAndVerifyIntegrity(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(zap.NewNop(), db, []byte("audit-secret"))
	ctx := context.Background()
	userID := uuid.New()

	id, err := svc.Log(ctx, EventDepositConfirmed, userID, map[string]interface{}{
		"deposit_id": uuid.NewString(),
		"amount":     "25.5",
		"currency":   "USD",
		"chain":      "ethereum",
	}, map[string]interface{}{"source": "test"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	valid, err := svc.VerifyIntegrity(ctx, id)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyIntegrityDetectsDataMutation(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(zap.NewNop(), db, []byte("audit-secret"))
	ctx := context.Background()

	id, err := svc.Log(ctx, EventWithdrawalCompleted, uuid.New(), map[string]interface{}{
		"amount": "50",
	}, nil)
	require.NoError(t, err)

	// Out-of-band mutation of the signed data.
	err = db.Model(&models.AuditLogEntry{}).Where("id = ?", id).
		Update("data", `{"amount":"5000"}`).Error
	require.NoError(t, err)

	valid, err := svc.VerifyIntegrity(ctx, id)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyIntegrityDetectsEventTypeMutation(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(zap.NewNop(), db, []byte("audit-secret"))
	ctx := context.Background()

	id, err := svc.Log(ctx, EventDepositRejected, uuid.New(), map[string]interface{}{
		"reason": "nonce signature mismatch",
	}, nil)
	require.NoError(t, err)

	err = db.Model(&models.AuditLogEntry{}).Where("id = ?", id).
		Update("event_type", EventDepositConfirmed).Error
	require.NoError(t, err)

	valid, err := svc.VerifyIntegrity(ctx, id)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyIntegrityUnknownEntry(t *testing.T) {
	svc := NewService(zap.NewNop(), newTestDB(t), []byte("audit-secret"))

	_, err := svc.VerifyIntegrity(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// A persistence failure must not drop the event or fail the caller; the
// entry goes to the fallback sink and the id is still returned.
func TestLogFallsBackWhenPersistenceFails(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(zap.NewNop(), db, []byte("audit-secret"))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	id, err := svc.Log(context.Background(), EventDepositInitiated, uuid.New(), map[string]interface{}{
		"amount": "10",
	}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestMaskAddress(t *testing.T) {
	assert.Equal(t, "0x1234...cdef",
		MaskAddress("0x123456789abcdef0123456789abcdef012abcdef"))
	assert.Equal(t, "short", MaskAddress("short"))
}
