package deposit

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChainVerifier checks a blockchain transaction against the expected
// deposit parameters. Implementations live outside this subsystem.
type ChainVerifier interface {
	VerifyTransaction(ctx context.Context, txHash, chain string, expectedAmount decimal.Decimal) (bool, error)
}

// AuthVerifier checks an optional external bearer token presented on
// deposit verification.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) error
}

// StubChainVerifier approves every transaction. It exists so the credit
// path can be exercised before the real verifier is wired in, and it
// must be replaced before production use: until then the credit path is
// unsafe against forged transaction hashes.
type StubChainVerifier struct {
	logger *zap.Logger
}

// NewStubChainVerifier creates the accept-all verifier.
func NewStubChainVerifier(logger *zap.Logger) *StubChainVerifier {
	return &StubChainVerifier{logger: logger}
}

// VerifyTransaction always approves and warns about it.
func (v *StubChainVerifier) VerifyTransaction(ctx context.Context, txHash, chain string, expectedAmount decimal.Decimal) (bool, error) {
	v.logger.Warn("stub chain verifier approved transaction without on-chain checks",
		zap.String("chain", chain),
		zap.String("expected_amount", expectedAmount.String()))
	return true, nil
}
