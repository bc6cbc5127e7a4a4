package aa

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// SimpleAccountFactoryMetaData contains the bound subset of the v0.6 factory ABI.
var SimpleAccountFactoryMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"ret","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]}
	]`,
}

// SimpleAccountMetaData contains the bound subset of the v0.6 account ABI.
var SimpleAccountMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"owner","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"address"}]}
	]`,
}

// FactoryCaller is a read-only binding to a SimpleAccountFactory.
type FactoryCaller struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewFactoryCaller binds the factory at address.
func NewFactoryCaller(address common.Address, caller bind.ContractCaller) (*FactoryCaller, error) {
	parsed, err := SimpleAccountFactoryMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	return &FactoryCaller{
		address:  address,
		contract: bind.NewBoundContract(address, *parsed, caller, nil, nil),
	}, nil
}

// Address returns the factory address.
func (f *FactoryCaller) Address() common.Address {
	return f.address
}

// GetAddress returns the counterfactual account address for (owner, salt).
func (f *FactoryCaller) GetAddress(opts *bind.CallOpts, owner common.Address, salt *big.Int) (common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(opts, &out, "getAddress", owner, salt); err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("getAddress: unexpected output count %d", len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getAddress: unexpected output type %T", out[0])
	}
	return addr, nil
}

// PackCreateAccount encodes createAccount(owner, salt) call data.
func PackCreateAccount(owner common.Address, salt *big.Int) ([]byte, error) {
	parsed, err := SimpleAccountFactoryMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("createAccount", owner, salt)
}

// PackExecute encodes execute(dest, value, func) call data.
func PackExecute(dest common.Address, value *big.Int, data []byte) ([]byte, error) {
	parsed, err := SimpleAccountMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return parsed.Pack("execute", dest, value, data)
}
