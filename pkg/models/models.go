package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported blockchains for deposits and withdrawals
const (
	ChainEthereum = "ethereum"
	ChainSolana   = "solana"
	ChainSui      = "sui"
	ChainBase     = "base"
)

// Deposit statuses
const (
	DepositStatusPending   = "pending"
	DepositStatusConfirmed = "confirmed"
	DepositStatusFailed    = "failed"
	DepositStatusExpired   = "expired"
)

// Withdrawal statuses
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusCancelled  = "cancelled"
)

// SupportedChain reports whether chain names a supported network.
func SupportedChain(chain string) bool {
	switch chain {
	case ChainEthereum, ChainSolana, ChainSui, ChainBase:
		return true
	}
	return false
}

// DepositRecord is the durable record of a deposit intent. It is created
// on initiate with status pending and becomes terminal on
// confirmed/failed/expired. The nonce column is the join key back to the
// pending intent cache.
type DepositRecord struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	UserID      uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(36,18)" validate:"required"`
	Currency    string          `json:"currency" validate:"required"`
	Chain       string          `json:"chain" validate:"required,oneof=ethereum solana sui base"`
	ToAddress   string          `json:"to_address"`
	Nonce       string          `json:"-" gorm:"uniqueIndex"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Status      string          `json:"status" validate:"required,oneof=pending confirmed failed expired"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
}

// WithdrawalRecord is the durable record of a withdrawal. Mutated only by
// the withdrawal workflow.
type WithdrawalRecord struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	UserID      uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(36,18)" validate:"required"`
	Currency    string          `json:"currency" validate:"required"`
	Chain       string          `json:"chain" validate:"required,oneof=ethereum solana sui base"`
	ToAddress   string          `json:"to_address" validate:"required"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Status      string          `json:"status" validate:"required,oneof=pending processing completed cancelled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// BalanceRecord is a user's per-currency balance. Invariants:
// balance - locked_balance >= 0 and locked_balance >= 0 at all times.
// Mutated only through the ledger primitives, never by field assignment.
type BalanceRecord struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_balance_user_currency" validate:"required"`
	Currency      string          `json:"currency" gorm:"uniqueIndex:idx_balance_user_currency" validate:"required"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:decimal(36,18)"`
	LockedBalance decimal.Decimal `json:"locked_balance" gorm:"type:decimal(36,18)"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available returns balance minus locked balance.
func (b *BalanceRecord) Available() decimal.Decimal {
	return b.Balance.Sub(b.LockedBalance)
}

// AuditLogEntry is an append-only, HMAC-signed record of a
// ledger-affecting event. Never mutated after creation. Data and
// Metadata hold serialized JSON objects.
type AuditLogEntry struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	EventType string    `json:"event_type" gorm:"index" validate:"required"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Data      string    `json:"data" gorm:"type:jsonb"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:jsonb"`
	Signature string    `json:"signature" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// PendingDepositIntent is the transient in-flight deposit intent, owned
// exclusively by the pending-deposit cache. It is born together with a
// pending DepositRecord and deleted on verify, expiry or sweep.
type PendingDepositIntent struct {
	UserID    uuid.UUID       `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Chain     string          `json:"chain"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the intent's TTL has elapsed at now.
func (p *PendingDepositIntent) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
