// Package account provisions the secondary-chain smart account controlled
// by a derived key and prepares user operations for it.
package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownScheme is returned when no validator is registered for a scheme/version.
var ErrUnknownScheme = errors.New("unknown validator scheme")

// Signer is the derived key as seen by a validator.
type Signer interface {
	Address() common.Address
	SignHash(hash []byte) ([]byte, error)
}

// Validator is a pluggable smart account validation scheme. The account
// address is a function of (scheme, version, factory, salt, owner).
type Validator interface {
	Scheme() string
	Version() string

	// AccountAddress returns the counterfactual address for owner.
	AccountAddress(ctx context.Context, caller bind.ContractCaller, owner common.Address) (common.Address, error)

	// InitCode returns factory || factory calldata deploying the account.
	InitCode(owner common.Address) ([]byte, error)

	// EncodeExecute encodes a single call from the account.
	EncodeExecute(to common.Address, value *big.Int, data []byte) ([]byte, error)

	// DummySignature is a well-formed placeholder for gas estimation.
	DummySignature() []byte

	// Sign authorizes a user operation hash.
	Sign(userOpHash common.Hash, signer Signer) ([]byte, error)
}

// ValidatorConfig selects and parameterizes a validator scheme.
type ValidatorConfig struct {
	Scheme  string
	Version string
	Factory common.Address
	Salt    *big.Int
}

// ValidatorFactory builds a validator from its config.
type ValidatorFactory func(cfg ValidatorConfig) (Validator, error)

var (
	validatorsMu sync.RWMutex
	validators   = map[string]ValidatorFactory{}
)

func schemeKey(scheme, version string) string {
	return scheme + "/" + version
}

// RegisterValidator makes a validator scheme available to NewValidator.
func RegisterValidator(scheme, version string, factory ValidatorFactory) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[schemeKey(scheme, version)] = factory
}

// NewValidator builds the validator registered for cfg.Scheme and cfg.Version.
func NewValidator(cfg ValidatorConfig) (Validator, error) {
	validatorsMu.RLock()
	factory, ok := validators[schemeKey(cfg.Scheme, cfg.Version)]
	validatorsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, schemeKey(cfg.Scheme, cfg.Version))
	}
	return factory(cfg)
}

// Schemes lists the registered scheme/version pairs.
func Schemes() []string {
	validatorsMu.RLock()
	defer validatorsMu.RUnlock()
	out := make([]string, 0, len(validators))
	for k := range validators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
