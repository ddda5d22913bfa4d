// Package extauth verifies optional external bearer tokens presented
// during deposit verification.
package extauth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/coinharbor/custody/common/errors"
)

// JWTVerifier checks HMAC-signed bearer tokens from the platform's
// auth service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates token, including expiry.
func (v *JWTVerifier) Verify(ctx context.Context, token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return apperrors.Validation("invalid auth token")
	}
	return nil
}
