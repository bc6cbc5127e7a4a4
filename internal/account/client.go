package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/ankh/internal/contracts/aa"
	"github.com/klingon-exchange/ankh/internal/userop"
)

// ErrPrepare is returned when a draft operation cannot be built.
var ErrPrepare = errors.New("operation preparation failed")

// Call is a single call from the account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

type gasLimits struct {
	call         uint64
	verification uint64
	preVerify    uint64
}

// Client prepares and signs user operations for one provisioned account.
type Client struct {
	mu        sync.RWMutex
	account   Account
	signer    Signer
	reader    ChainReader
	validator Validator
	ep        *aa.EntryPointCaller
	chainID   *big.Int
	gas       gasLimits
}

// Account returns a snapshot of the account.
func (c *Client) Account() Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// Address returns the account address.
func (c *Client) Address() common.Address {
	return c.Account().Address
}

// EntryPoint returns the EntryPoint the account is bound to.
func (c *Client) EntryPoint() common.Address {
	return c.ep.Address()
}

// ChainID returns the secondary chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Balance returns the native balance of the account in wei.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	return c.reader.BalanceAt(ctx, c.Address(), nil)
}

// EncodeCallData encodes a call through the account's execute entrypoint.
func (c *Client) EncodeCallData(to common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	return c.validator.EncodeExecute(to, value, data)
}

// RefreshDeployment re-reads whether the account contract exists.
func (c *Client) RefreshDeployment(ctx context.Context) (DeploymentState, error) {
	state, err := deploymentState(ctx, c.reader, c.Address())
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.account.State = state
	c.mu.Unlock()
	return state, nil
}

// Prepare builds a draft operation for call with a placeholder signature.
// An undeployed account gets initCode so the first operation deploys it.
func (c *Client) Prepare(ctx context.Context, call Call) (*userop.UserOperation, error) {
	state, err := c.RefreshDeployment(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrepare, err)
	}

	acct := c.Account()
	op := &userop.UserOperation{
		Sender:               acct.Address,
		Nonce:                new(big.Int),
		CallGasLimit:         new(big.Int).SetUint64(c.gas.call),
		VerificationGasLimit: new(big.Int).SetUint64(c.gas.verification),
		PreVerificationGas:   new(big.Int).SetUint64(c.gas.preVerify),
		Signature:            c.validator.DummySignature(),
	}

	if state == Undeployed {
		initCode, err := c.validator.InitCode(acct.Owner)
		if err != nil {
			return nil, fmt.Errorf("%w: init code: %w", ErrPrepare, err)
		}
		op.InitCode = initCode
	} else {
		nonce, err := c.ep.GetNonce(&bind.CallOpts{Context: ctx}, acct.Address, new(big.Int))
		if err != nil {
			return nil, fmt.Errorf("%w: nonce: %w", ErrPrepare, err)
		}
		op.Nonce = nonce
	}

	op.CallData, err = c.EncodeCallData(call.To, call.Value, call.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: call data: %w", ErrPrepare, err)
	}

	op.MaxFeePerGas, op.MaxPriorityFeePerGas, err = c.fees(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fees: %w", ErrPrepare, err)
	}

	return op, nil
}

// fees returns maxFeePerGas = 2*baseFee + tip, or the legacy gas price on
// chains without a base fee.
func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	head, err := c.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if head.BaseFee == nil {
		price, err := c.reader.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, err
		}
		return price, new(big.Int).Set(price), nil
	}
	tip, err := c.reader.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return maxFee, tip, nil
}

// Hash returns the userOpHash of op for this account's entry point and chain.
func (c *Client) Hash(op *userop.UserOperation) (common.Hash, error) {
	return op.Hash(c.EntryPoint(), c.chainID)
}

// Sign replaces the placeholder signature with the owner's signature.
// Any change to op after signing invalidates it.
func (c *Client) Sign(op *userop.UserOperation) (common.Hash, error) {
	if op.Sender != c.Address() {
		return common.Hash{}, fmt.Errorf("operation sender %s is not this account", op.Sender.Hex())
	}
	hash, err := c.Hash(op)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := c.validator.Sign(hash, c.signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign operation: %w", err)
	}
	op.Signature = sig
	return hash, nil
}
