package primary

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidFelt is returned for strings that are not valid field elements.
var ErrInvalidFelt = errors.New("invalid felt")

// StarkPrime is the field modulus 2^251 + 17*2^192 + 1.
var StarkPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 251)
	p.Add(p, new(big.Int).Lsh(big.NewInt(17), 192))
	return p.Add(p, big.NewInt(1))
}()

var selectorMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// ParseFelt parses a 0x-prefixed hex field element.
func ParseFelt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("%w: missing 0x prefix", ErrInvalidFelt)
	}
	body := s[2:]
	if body == "" || len(body) > 64 {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidFelt, len(body))
	}
	v, ok := new(big.Int).SetString(body, 16)
	if !ok {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidFelt)
	}
	if v.Cmp(StarkPrime) >= 0 {
		return nil, fmt.Errorf("%w: exceeds field prime", ErrInvalidFelt)
	}
	return v, nil
}

// FormatFelt formats a field element as 0x-prefixed lowercase hex.
func FormatFelt(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

// FeltBytes returns the 32-byte big-endian encoding of v.
func FeltBytes(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

// NormalizeAddress returns the canonical form of a primary-chain address,
// so that differently padded spellings map to the same identity.
func NormalizeAddress(s string) (string, error) {
	v, err := ParseFelt(s)
	if err != nil {
		return "", err
	}
	if v.Sign() == 0 {
		return "", fmt.Errorf("%w: zero address", ErrInvalidFelt)
	}
	return FormatFelt(v), nil
}

// Selector computes the entry point selector: keccak256(name) truncated to 250 bits.
func Selector(name string) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	v := new(big.Int).SetBytes(h.Sum(nil))
	return v.And(v, selectorMask)
}
