// Package nonce implements the anti-replay protocol for deposit
// challenges: single-use tokens issued by the server, HMAC-signed so no
// caller can fabricate an accepted nonce without the server secret.
package nonce

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/coinharbor/custody/common/errors"
)

const (
	// TypeTag prefixes every deposit nonce
	TypeTag = "dep_"

	separator = "."

	// entropyBytes gives 256 bits of entropy per nonce
	entropyBytes = 32
)

// Protocol generates and verifies signed deposit nonces.
type Protocol struct {
	secret      []byte
	allowLegacy bool
	logger      *zap.Logger
}

// NewProtocol creates a nonce protocol with the given signing secret.
// allowLegacy enables acceptance of unsigned tokens issued before
// signing was introduced; it weakens the anti-tamper guarantee and must
// stay off unless a legacy client still depends on it.
func NewProtocol(secret []byte, allowLegacy bool, logger *zap.Logger) *Protocol {
	return &Protocol{
		secret:      secret,
		allowLegacy: allowLegacy,
		logger:      logger,
	}
}

// Generate produces an unpredictable raw nonce with the deposit type tag.
func (p *Protocol) Generate() (string, error) {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}
	return TypeTag + hex.EncodeToString(buf), nil
}

// Sign appends the HMAC-SHA256 signature to a raw nonce. The external
// representation is rawNonce + "." + hex(signature).
func (p *Protocol) Sign(raw string) string {
	return raw + separator + p.signature(raw)
}

// Issue generates and signs a nonce in one step, returning both the raw
// form (the storage key) and the signed external representation.
func (p *Protocol) Issue() (raw, signed string, err error) {
	raw, err = p.Generate()
	if err != nil {
		return "", "", err
	}
	return raw, p.Sign(raw), nil
}

// Verify checks the signature on a presented nonce and returns the raw
// part. A signature mismatch is a TamperError. Tokens without a
// separator are accepted only on the legacy path, never issued anew.
func (p *Protocol) Verify(signed string) (string, error) {
	raw, sig, found := strings.Cut(signed, separator)
	if !found {
		if p.allowLegacy && strings.HasPrefix(signed, TypeTag) {
			p.logger.Warn("accepted legacy unsigned nonce",
				zap.String("nonce_prefix", mask(signed)))
			return signed, nil
		}
		return "", apperrors.Tamper("nonce is missing its signature")
	}

	if !strings.HasPrefix(raw, TypeTag) {
		return "", apperrors.Tamper("nonce has an unknown type tag")
	}

	expected := p.signature(raw)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", apperrors.Tamper("nonce signature mismatch")
	}

	return raw, nil
}

func (p *Protocol) signature(raw string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func mask(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "..."
}
