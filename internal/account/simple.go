package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/contracts/aa"
)

func init() {
	RegisterValidator(config.SchemeECDSA, config.VersionSimpleAccountV06, newSimpleAccountValidator)
}

// simpleAccountDummySig is the placeholder most bundlers accept for
// SimpleAccount gas estimation: a valid-length signature that recovers
// to a non-owner.
var simpleAccountDummySig = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

// simpleAccountValidator is the single-owner ECDSA SimpleAccount (v0.6).
type simpleAccountValidator struct {
	factory common.Address
	salt    *big.Int
}

func newSimpleAccountValidator(cfg ValidatorConfig) (Validator, error) {
	if cfg.Factory == (common.Address{}) {
		return nil, errors.New("simple account validator requires a factory address")
	}
	salt := cfg.Salt
	if salt == nil {
		salt = new(big.Int)
	}
	return &simpleAccountValidator{factory: cfg.Factory, salt: new(big.Int).Set(salt)}, nil
}

func (v *simpleAccountValidator) Scheme() string  { return config.SchemeECDSA }
func (v *simpleAccountValidator) Version() string { return config.VersionSimpleAccountV06 }

func (v *simpleAccountValidator) AccountAddress(ctx context.Context, caller bind.ContractCaller, owner common.Address) (common.Address, error) {
	f, err := aa.NewFactoryCaller(v.factory, caller)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := f.GetAddress(&bind.CallOpts{Context: ctx}, owner, v.salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("factory getAddress: %w", err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("factory returned zero address")
	}
	return addr, nil
}

func (v *simpleAccountValidator) InitCode(owner common.Address) ([]byte, error) {
	call, err := aa.PackCreateAccount(owner, v.salt)
	if err != nil {
		return nil, err
	}
	return append(v.factory.Bytes(), call...), nil
}

func (v *simpleAccountValidator) EncodeExecute(to common.Address, value *big.Int, data []byte) ([]byte, error) {
	return aa.PackExecute(to, value, data)
}

func (v *simpleAccountValidator) DummySignature() []byte {
	return common.CopyBytes(simpleAccountDummySig)
}

// Sign produces an EIP-191 signature over the operation hash, which is
// what SimpleAccount._validateSignature recovers.
func (v *simpleAccountValidator) Sign(userOpHash common.Hash, signer Signer) ([]byte, error) {
	digest := accounts.TextHash(userOpHash.Bytes())
	sig, err := signer.SignHash(digest)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	sig[64] += 27
	return sig, nil
}
