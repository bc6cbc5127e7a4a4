// Package accounttest provides an in-memory secondary chain for tests of
// packages that provision and drive smart accounts.
package accounttest

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	selGetAddress = []byte{0x8c, 0xb8, 0x4e, 0x18}
	selGetNonce   = []byte{0x35, 0x56, 0x7e, 0x1a}
)

// ErrReverted is returned for calls the chain does not understand.
var ErrReverted = errors.New("execution reverted")

// Chain is a fake secondary chain. The factory's getAddress is modelled as
// the last 20 bytes of keccak(owner || salt).
type Chain struct {
	mu sync.Mutex

	ID         *big.Int
	Factory    common.Address
	EntryPoint common.Address
	BaseFee    *big.Int
	Tip        *big.Int
	GasPrice   *big.Int

	code     map[common.Address][]byte
	nonces   map[common.Address]*big.Int
	balances map[common.Address]*big.Int

	failures     int
	failErr      error
	calls        int
	balanceCalls int
}

// NewChain returns a chain with EIP-1559 fees enabled.
func NewChain(id int64, factory, entryPoint common.Address) *Chain {
	return &Chain{
		ID:         big.NewInt(id),
		Factory:    factory,
		EntryPoint: entryPoint,
		BaseFee:    big.NewInt(1_000_000_000),
		Tip:        big.NewInt(100_000_000),
		GasPrice:   big.NewInt(3_000_000_000),
		code:       make(map[common.Address][]byte),
		nonces:     make(map[common.Address]*big.Int),
		balances:   make(map[common.Address]*big.Int),
	}
}

// AccountFor returns the address the fake factory assigns to owner.
func AccountFor(owner common.Address, salt *big.Int) common.Address {
	if salt == nil {
		salt = new(big.Int)
	}
	h := crypto.Keccak256(common.LeftPadBytes(owner.Bytes(), 32), common.LeftPadBytes(salt.Bytes(), 32))
	return common.BytesToAddress(h[12:])
}

// Deploy marks addr as having contract code.
func (c *Chain) Deploy(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = []byte{0x60, 0x80}
}

// SetNonce sets the EntryPoint nonce of sender.
func (c *Chain) SetNonce(sender common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[sender] = new(big.Int).SetUint64(nonce)
}

// SetBalance sets the native balance of addr.
func (c *Chain) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// FailNext makes the next n requests of any kind return err.
func (c *Chain) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
	c.failErr = err
}

// Calls returns the number of requests served, including failed ones.
func (c *Chain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// BalanceCalls returns the number of balance queries served.
func (c *Chain) BalanceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceCalls
}

func (c *Chain) enter() error {
	c.calls++
	if c.failures > 0 {
		c.failures--
		return c.failErr
	}
	return nil
}

func (c *Chain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	return common.CopyBytes(c.code[account]), nil
}

func (c *Chain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	if call.To == nil || len(call.Data) < 4 {
		return nil, ErrReverted
	}
	to, sel, args := *call.To, call.Data[:4], call.Data[4:]

	switch {
	case to == c.Factory && bytes.Equal(sel, selGetAddress) && len(args) == 64:
		owner := common.BytesToAddress(args[:32])
		salt := new(big.Int).SetBytes(args[32:64])
		return common.LeftPadBytes(AccountFor(owner, salt).Bytes(), 32), nil
	case to == c.EntryPoint && bytes.Equal(sel, selGetNonce) && len(args) == 64:
		sender := common.BytesToAddress(args[:32])
		nonce := c.nonces[sender]
		if nonce == nil {
			nonce = new(big.Int)
		}
		return common.LeftPadBytes(nonce.Bytes(), 32), nil
	}
	return nil, ErrReverted
}

func (c *Chain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceCalls++
	if err := c.enter(); err != nil {
		return nil, err
	}
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.ID), nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	h := &types.Header{Number: big.NewInt(100)}
	if c.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(c.BaseFee)
	}
	return h, nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.Tip), nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.GasPrice), nil
}
