// Package primary talks to the identity-granting chain: the user's wallet
// connector and read-only calls against account contracts.
package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Connector errors
var (
	ErrNoAccount          = errors.New("no primary account available")
	ErrSigningUnsupported = errors.New("wallet cannot sign typed messages")
)

// ConnectMode selects whether the wallet may prompt the user.
type ConnectMode string

const (
	ModeInteractive ConnectMode = "interactive"
	ModeSilent      ConnectMode = "silent" // never prompts
)

// ParseConnectMode parses a mode string; empty means interactive.
func ParseConnectMode(s string) (ConnectMode, error) {
	switch ConnectMode(s) {
	case "", ModeInteractive:
		return ModeInteractive, nil
	case ModeSilent:
		return ModeSilent, nil
	}
	return "", fmt.Errorf("unknown connect mode %q", s)
}

// Account is what the wallet reports on connect.
type Account struct {
	Address string
}

// Connector is the primary-chain wallet.
// In silent mode Connect returns a zero Account and nil error when no
// account is available, rather than failing.
type Connector interface {
	Connect(ctx context.Context, mode ConnectMode) (Account, error)
	ChainID(ctx context.Context) (string, error)
	SignTypedMessage(ctx context.Context, payload *apitypes.TypedData) ([]byte, error)
}

// Identity is the connected primary account. Immutable once connected.
type Identity struct {
	Address string `json:"address"`
	ChainID string `json:"chain_id"`
}

// SignFunc signs a typed message on behalf of a static connector.
type SignFunc func(ctx context.Context, payload *apitypes.TypedData) ([]byte, error)

// StaticConnector serves an identity supplied by the API caller, which
// performed the actual wallet connection in the user's browser.
type StaticConnector struct {
	address string
	chainID string
	sign    SignFunc
}

// NewStaticConnector creates a connector for a known identity. An empty
// address models a wallet with no authorized account.
func NewStaticConnector(address, chainID string) *StaticConnector {
	return &StaticConnector{address: address, chainID: chainID}
}

// WithSigner installs a typed message signer.
func (c *StaticConnector) WithSigner(fn SignFunc) *StaticConnector {
	c.sign = fn
	return c
}

// Connect implements Connector.
func (c *StaticConnector) Connect(ctx context.Context, mode ConnectMode) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	if c.address == "" {
		if mode == ModeSilent {
			return Account{}, nil
		}
		return Account{}, ErrNoAccount
	}
	return Account{Address: c.address}, nil
}

// ChainID implements Connector.
func (c *StaticConnector) ChainID(ctx context.Context) (string, error) {
	if c.chainID == "" {
		return "", errors.New("wallet did not report a chain id")
	}
	return c.chainID, nil
}

// SignTypedMessage implements Connector.
func (c *StaticConnector) SignTypedMessage(ctx context.Context, payload *apitypes.TypedData) ([]byte, error) {
	if c.sign == nil {
		return nil, ErrSigningUnsupported
	}
	return c.sign(ctx, payload)
}

var _ Connector = (*StaticConnector)(nil)
