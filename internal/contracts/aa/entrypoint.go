// Package aa provides Go bindings for the ERC-4337 v0.6 contracts a linked
// account touches: the EntryPoint, the SimpleAccountFactory and the
// SimpleAccount itself. Only the methods the link pipeline calls are bound.
package aa

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// EntryPointMetaData contains the bound subset of the EntryPoint v0.6 ABI.
var EntryPointMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
	]`,
}

// EntryPointCaller is a read-only binding to the EntryPoint.
type EntryPointCaller struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewEntryPointCaller binds the EntryPoint at address.
func NewEntryPointCaller(address common.Address, caller bind.ContractCaller) (*EntryPointCaller, error) {
	parsed, err := EntryPointMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	return &EntryPointCaller{
		address:  address,
		contract: bind.NewBoundContract(address, *parsed, caller, nil, nil),
	}, nil
}

// Address returns the EntryPoint address.
func (e *EntryPointCaller) Address() common.Address {
	return e.address
}

// GetNonce returns the next nonce for sender in the given key space.
func (e *EntryPointCaller) GetNonce(opts *bind.CallOpts, sender common.Address, key *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(opts, &out, "getNonce", sender, key); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getNonce: unexpected output count %d", len(out))
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getNonce: unexpected output type %T", out[0])
	}
	return nonce, nil
}

// DepositOf returns the EntryPoint deposit held for account.
func (e *EntryPointCaller) DepositOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(opts, &out, "balanceOf", account); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected output count %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected output type %T", out[0])
	}
	return v, nil
}
