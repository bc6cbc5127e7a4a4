package helpers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidAmount is returned when a value string is not a non-negative base-unit integer.
var ErrInvalidAmount = errors.New("invalid amount")

// maxUint256 bounds every on-chain value.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseBaseUnits parses a decimal string of smallest units (wei) into a big.Int.
// Only ASCII digits are accepted: no sign, no fraction, no whitespace.
func ParseBaseUnits(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount string", ErrInvalidAmount)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: invalid character %q", ErrInvalidAmount, c)
		}
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	if amount.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: overflows uint256", ErrInvalidAmount)
	}
	return amount, nil
}

// FormatUnits formats an amount in smallest units as a decimal string.
// For example, FormatUnits(1500000000000000000, 18) returns "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(amount, divisor, new(big.Int))

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := frac.String()
	if pad := int(decimals) - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return whole.String() + "." + fracStr
}
