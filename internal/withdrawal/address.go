package withdrawal

import (
	"regexp"

	apperrors "github.com/coinharbor/custody/common/errors"
	"github.com/coinharbor/custody/pkg/models"
)

var (
	evmAddressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	solanaAddressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	suiAddressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ValidateAddress checks that addr is well-formed for chain.
func ValidateAddress(chain, addr string) error {
	var ok bool
	switch chain {
	case models.ChainEthereum, models.ChainBase:
		ok = evmAddressRe.MatchString(addr)
	case models.ChainSolana:
		ok = solanaAddressRe.MatchString(addr)
	case models.ChainSui:
		ok = suiAddressRe.MatchString(addr)
	default:
		return apperrors.Validation("unsupported chain",
			apperrors.FieldError{Field: "chain", Message: "must be one of ethereum, solana, sui, base"})
	}
	if !ok {
		return apperrors.Validation("malformed withdrawal address",
			apperrors.FieldError{Field: "to_address", Message: "not a valid " + chain + " address"})
	}
	return nil
}
