package deposit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/internal/audit"
	"github.com/coinharbor/custody/internal/ledger"
	"github.com/coinharbor/custody/internal/nonce"
	"github.com/coinharbor/custody/internal/pending"
	"github.com/coinharbor/custody/pkg/models"
)

const (
	validEVMHash    = "0x4e3a3754410177e6937ef1f84bba68ea139e8d1a2258c5f85db9f1cd715a1bdd"
	validBase58Hash = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

type envOption func(*env)

type env struct {
	db      *gorm.DB
	cache   *pending.MemoryCache
	nonces  *nonce.Protocol
	ledger  *ledger.Service
	trail   audit.Trail
	chain   ChainVerifier
	auth    AuthVerifier
	ttl     time.Duration
	service *Service
}

type fakeChainVerifier struct {
	approved bool
	err      error
}

func (f *fakeChainVerifier) VerifyTransaction(ctx context.Context, txHash, chain string, amount decimal.Decimal) (bool, error) {
	return f.approved, f.err
}

type fakeAuthVerifier struct{ err error }

func (f *fakeAuthVerifier) Verify(ctx context.Context, token string) error { return f.err }

func withTTL(ttl time.Duration) envOption {
	return func(e *env) { e.ttl = ttl }
}

func withChainVerifier(v ChainVerifier) envOption {
	return func(e *env) { e.chain = v }
}

func withAuthVerifier(v AuthVerifier) envOption {
	return func(e *env) { e.auth = v }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.DepositRecord{}, &models.BalanceRecord{}, &models.AuditLogEntry{}))

	log := zap.NewNop()
	e := &env{
		db:     db,
		nonces: nonce.NewProtocol([]byte("nonce-secret"), false, log),
		ledger: ledger.NewService(log, db),
		trail:  audit.NewService(log, db, []byte("audit-secret")),
		chain:  NewStubChainVerifier(log),
		ttl:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cache = pending.NewMemoryCache(time.Hour, log)
	t.Cleanup(e.cache.Close)
	intents := pending.NewStore(e.cache, NewRepository(db, e.ttl), log)

	e.service = NewService(log, db, Config{
		Currency:  "USD",
		MinAmount: decimal.NewFromInt(1),
		MaxAmount: decimal.NewFromInt(100000),
		NonceTTL:  e.ttl,
		DepositAddresses: map[string]string{
			models.ChainEthereum: "0xDepositAddress00000000000000000000000001",
			models.ChainSolana:   "So1anaDepositAddress1111111111111111111111",
		},
	}, e.nonces, intents, e.ledger, e.chain, e.auth, e.trail)
	return e
}

// freshService rebuilds the service over the same database with an
// empty cache, as after a process restart.
func (e *env) freshService(t *testing.T) *Service {
	t.Helper()
	log := zap.NewNop()
	cache := pending.NewMemoryCache(time.Hour, log)
	t.Cleanup(cache.Close)
	intents := pending.NewStore(cache, NewRepository(e.db, e.ttl), log)
	return NewService(log, e.db, Config{
		Currency:  "USD",
		MinAmount: decimal.NewFromInt(1),
		MaxAmount: decimal.NewFromInt(100000),
		NonceTTL:  e.ttl,
	}, e.nonces, intents, e.ledger, e.chain, e.auth, e.trail)
}

func (e *env) balance(t *testing.T, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	rec, err := e.ledger.Balance(context.Background(), userID, "USD")
	require.NoError(t, err)
	return rec.Balance
}

func TestInitiateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), "dogecoin")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.service.Initiate(ctx, userID, decimal.RequireFromString("0.5"), models.ChainEthereum)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.service.Initiate(ctx, userID, decimal.NewFromInt(100001), models.ChainEthereum)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.service.Initiate(ctx, userID, decimal.RequireFromString("1.123456789"), models.ChainEthereum)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestInitiateIssuesChallenge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.RequireFromString("25.5"), models.ChainEthereum)
	require.NoError(t, err)

	assert.Contains(t, result.Nonce, ".")
	assert.Equal(t, "0xDepositAddress00000000000000000000000001", result.DepositAddress)
	assert.Equal(t, 300, result.ExpiresInSeconds)
	assert.Equal(t, models.ChainEthereum, result.Chain)

	var rec models.DepositRecord
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&rec).Error)
	assert.Equal(t, models.DepositStatusPending, rec.Status)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("25.5")))
}

func TestVerifyHappyPathCreditsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	amount := decimal.RequireFromString("25.5")

	result, err := e.service.Initiate(ctx, userID, amount, models.ChainEthereum)
	require.NoError(t, err)

	rec, err := e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusConfirmed, rec.Status)
	assert.Equal(t, validEVMHash, rec.TxHash)
	require.NotNil(t, rec.ConfirmedAt)
	assert.True(t, e.balance(t, userID).Equal(amount))

	// Same nonce again: consumed, no second credit.
	_, err = e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.True(t, e.balance(t, userID).Equal(amount))
}

func TestVerifySolanaTxHash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainSolana)
	require.NoError(t, err)

	rec, err := e.service.Verify(ctx, userID, result.Nonce, validBase58Hash, "")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusConfirmed, rec.Status)
}

func TestVerifyTamperedNonce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	tampered := result.Nonce[:len(result.Nonce)-1]
	if result.Nonce[len(result.Nonce)-1] == 'a' {
		tampered += "b"
	} else {
		tampered += "a"
	}

	_, err = e.service.Verify(ctx, userID, tampered, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrTamper)
	assert.True(t, e.balance(t, userID).IsZero())
}

func TestVerifyMalformedTxHash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	for _, txHash := range []string{"", "0x1234", "not-a-hash", validEVMHash + "ff"} {
		_, err = e.service.Verify(ctx, userID, result.Nonce, txHash, "")
		assert.ErrorIs(t, err, apperrors.ErrValidation, "txHash %q", txHash)
	}

	// The malformed attempts must not have consumed the challenge.
	rec, err := e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusConfirmed, rec.Status)
}

func TestVerifyOwnershipMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := uuid.New()
	attacker := uuid.New()

	result, err := e.service.Initiate(ctx, owner, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	// The response must not reveal that the intent exists for another
	// user.
	_, err = e.service.Verify(ctx, attacker, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.True(t, e.balance(t, attacker).IsZero())

	// The rightful owner recovers through the durable record and can
	// still complete the deposit.
	rec, err := e.service.Verify(ctx, owner, result.Nonce, validEVMHash, "")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusConfirmed, rec.Status)
	assert.True(t, e.balance(t, owner).Equal(decimal.NewFromInt(10)))
}

func TestVerifyExpiredChallenge(t *testing.T) {
	e := newEnv(t, withTTL(40*time.Millisecond))
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrExpired)
	assert.True(t, e.balance(t, userID).IsZero())

	var rec models.DepositRecord
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&rec).Error)
	assert.Equal(t, models.DepositStatusExpired, rec.Status)

	// Terminal: a retry finds nothing pending.
	_, err = e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestVerifyChainRejection(t *testing.T) {
	e := newEnv(t, withChainVerifier(&fakeChainVerifier{approved: false}))
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	_, err = e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.True(t, e.balance(t, userID).IsZero())

	var rec models.DepositRecord
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&rec).Error)
	assert.Equal(t, models.DepositStatusFailed, rec.Status)
}

func TestVerifyChainVerifierUnavailable(t *testing.T) {
	e := newEnv(t, withChainVerifier(&fakeChainVerifier{err: errors.New("rpc timeout")}))
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	_, err = e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrSystem)
	assert.True(t, e.balance(t, userID).IsZero())
}

func TestVerifyAuthTokenFailure(t *testing.T) {
	e := newEnv(t, withAuthVerifier(&fakeAuthVerifier{err: apperrors.Validation("invalid auth token")}))
	ctx := context.Background()
	userID := uuid.New()

	result, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(10), models.ChainEthereum)
	require.NoError(t, err)

	_, err = e.service.Verify(ctx, userID, result.Nonce, validEVMHash, "some-token")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.True(t, e.balance(t, userID).IsZero())

	var rec models.DepositRecord
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&rec).Error)
	assert.Equal(t, models.DepositStatusFailed, rec.Status)
}

// A restart empties the cache; the durable record must still carry the
// deposit to completion, exactly once.
func TestVerifySurvivesRestart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	amount := decimal.NewFromInt(10)

	result, err := e.service.Initiate(ctx, userID, amount, models.ChainEthereum)
	require.NoError(t, err)

	restarted := e.freshService(t)
	rec, err := restarted.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusConfirmed, rec.Status)
	assert.True(t, e.balance(t, userID).Equal(amount))

	_, err = restarted.Verify(ctx, userID, result.Nonce, validEVMHash, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.True(t, e.balance(t, userID).Equal(amount))
}

// Two instances verifying the same nonce concurrently, each through
// its own empty cache and the durable fallback: exactly one confirms
// and credits, the conditional record transition arbitrates.
func TestConcurrentVerifyCreditsExactlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	for i := 0; i < 5; i++ {
		userID := uuid.New()
		result, err := e.service.Initiate(ctx, userID, amount, models.ChainEthereum)
		require.NoError(t, err)

		instances := []*Service{e.freshService(t), e.freshService(t)}
		var succeeded int64
		var wg sync.WaitGroup
		for _, svc := range instances {
			wg.Add(1)
			go func(svc *Service) {
				defer wg.Done()
				if _, err := svc.Verify(ctx, userID, result.Nonce, validEVMHash, ""); err == nil {
					atomic.AddInt64(&succeeded, 1)
				}
			}(svc)
		}
		wg.Wait()

		assert.EqualValues(t, 1, succeeded, "iteration %d", i)
		assert.True(t, e.balance(t, userID).Equal(amount), "iteration %d", i)
	}
}

func TestGetDepositsPagination(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := e.service.Initiate(ctx, userID, decimal.NewFromInt(int64(i+1)), models.ChainEthereum)
		require.NoError(t, err)
	}
	_, err := e.service.Initiate(ctx, uuid.New(), decimal.NewFromInt(7), models.ChainEthereum)
	require.NoError(t, err)

	records, total, err := e.service.GetDeposits(ctx, userID, 3, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, records, 3)

	records, _, err = e.service.GetDeposits(ctx, userID, 3, 3)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
