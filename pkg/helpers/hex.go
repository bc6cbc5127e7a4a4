// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHexData is returned when a call data string is not 0x-prefixed even-length hex.
var ErrInvalidHexData = errors.New("invalid hex data")

// ParseHexData parses call data. The string must carry a 0x prefix and an
// even number of hex digits; "0x" alone decodes to empty data.
func ParseHexData(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("%w: missing 0x prefix", ErrInvalidHexData)
	}
	body := s[2:]
	if len(body)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length", ErrInvalidHexData)
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexData, err)
	}
	return b, nil
}
