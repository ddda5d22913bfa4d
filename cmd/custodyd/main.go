// custodyd is the custody funds-ledger service: deposit challenges,
// two-phase withdrawals, the balance ledger and the signed audit trail.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/coinharbor/custody/api"
	"github.com/coinharbor/custody/internal/audit"
	"github.com/coinharbor/custody/internal/config"
	"github.com/coinharbor/custody/internal/deposit"
	"github.com/coinharbor/custody/internal/extauth"
	"github.com/coinharbor/custody/internal/ledger"
	"github.com/coinharbor/custody/internal/nonce"
	"github.com/coinharbor/custody/internal/pending"
	"github.com/coinharbor/custody/internal/withdrawal"
	"github.com/coinharbor/custody/pkg/logger"
	"github.com/coinharbor/custody/pkg/models"
)

func main() {
	// Load .env for local development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("custodyd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	if err := db.AutoMigrate(
		&models.DepositRecord{},
		&models.WithdrawalRecord{},
		&models.BalanceRecord{},
		&models.AuditLogEntry{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	minAmount, err := decimal.NewFromString(cfg.Custody.MinAmount)
	if err != nil {
		return fmt.Errorf("invalid custody.min_amount: %w", err)
	}
	maxAmount, err := decimal.NewFromString(cfg.Custody.MaxAmount)
	if err != nil {
		return fmt.Errorf("invalid custody.max_amount: %w", err)
	}

	var cache pending.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		cache = pending.NewRedisCache(client, "custody", log)
		log.Info("using shared Redis pending-deposit cache",
			zap.String("address", cfg.Redis.Address))
	} else {
		memCache := pending.NewMemoryCache(cfg.Custody.SweepInterval, log)
		defer memCache.Close()
		cache = memCache
		log.Warn("using process-local pending-deposit cache; run one instance or enable Redis")
	}

	intents := pending.NewStore(cache,
		deposit.NewRepository(db, cfg.Custody.NonceTTL), log)

	nonces := nonce.NewProtocol([]byte(cfg.Custody.NonceSecret),
		cfg.Custody.AllowLegacyNonce, log)
	trail := audit.NewService(log, db, []byte(cfg.Custody.AuditSecret))
	ledgerSvc := ledger.NewService(log, db)

	var authVerifier deposit.AuthVerifier
	if cfg.Auth.JWTSecret != "" {
		authVerifier = extauth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	depositSvc := deposit.NewService(log, db, deposit.Config{
		Currency:         cfg.Custody.Currency,
		MinAmount:        minAmount,
		MaxAmount:        maxAmount,
		NonceTTL:         cfg.Custody.NonceTTL,
		DepositAddresses: cfg.Custody.DepositAddresses,
	}, nonces, intents, ledgerSvc, deposit.NewStubChainVerifier(log), authVerifier, trail)

	withdrawalSvc := withdrawal.NewService(log, db, withdrawal.Config{
		Currency:  cfg.Custody.Currency,
		MinAmount: minAmount,
		MaxAmount: maxAmount,
	}, ledgerSvc, trail)

	handler := api.NewHandler(depositSvc, withdrawalSvc, ledgerSvc, trail, log)
	router := api.NewRouter(handler, log, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("custodyd listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	log.Info("custodyd stopped")
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	return db, nil
}
