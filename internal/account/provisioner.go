package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"

	"github.com/klingon-exchange/ankh/internal/backend"
	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/contracts/aa"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Errors
var (
	ErrProvisioning  = errors.New("account provisioning failed")
	ErrChainMismatch = errors.New("secondary chain id mismatch")
)

// ChainReader is the secondary-chain network client. *ethclient.Client satisfies it.
type ChainReader interface {
	bind.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// DeploymentState tags whether the account contract exists on chain yet.
type DeploymentState string

const (
	Undeployed DeploymentState = "undeployed"
	Deployed   DeploymentState = "deployed"
)

// Account is the secondary-chain smart account (SecondaryAccount).
type Account struct {
	Address common.Address  `json:"address"`
	Owner   common.Address  `json:"owner"`
	Scheme  string          `json:"scheme"`
	Version string          `json:"version"`
	State   DeploymentState `json:"deployment_state"`
}

// ProvisionerConfig configures account provisioning.
type ProvisionerConfig struct {
	EntryPoint common.Address
	ChainID    *big.Int
	Validator  Validator

	CallGasLimit         uint64
	VerificationGasLimit uint64
	PreVerificationGas   uint64

	Attempts uint64
	Backoff  time.Duration
}

// Provisioner locates the counterfactual account of a derived key.
type Provisioner struct {
	reader ChainReader
	cfg    ProvisionerConfig
	ep     *aa.EntryPointCaller
	log    *logging.Logger

	chainOnce sync.Mutex
	chainOK   bool
}

// NewProvisioner creates a provisioner.
func NewProvisioner(reader ChainReader, cfg ProvisionerConfig) (*Provisioner, error) {
	if cfg.Validator == nil {
		return nil, errors.New("provisioner requires a validator")
	}
	if cfg.EntryPoint == (common.Address{}) {
		return nil, errors.New("provisioner requires an entry point")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("provisioner requires a chain id")
	}
	if cfg.CallGasLimit == 0 {
		cfg.CallGasLimit = config.DefaultCallGasLimit
	}
	if cfg.VerificationGasLimit == 0 {
		cfg.VerificationGasLimit = config.DefaultVerificationGasLimit
	}
	if cfg.PreVerificationGas == 0 {
		cfg.PreVerificationGas = config.DefaultPreVerificationGas
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}

	ep, err := aa.NewEntryPointCaller(cfg.EntryPoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to bind entry point: %w", err)
	}

	return &Provisioner{
		reader: reader,
		cfg:    cfg,
		ep:     ep,
		log:    logging.GetDefault().Component("account"),
	}, nil
}

// Provision computes the account address for signer and returns a client
// for it. Deployment is lazy: the first operation carries the initCode.
func (p *Provisioner) Provision(ctx context.Context, signer Signer) (*Client, error) {
	if err := p.verifyChain(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	owner := signer.Address()
	var addr common.Address
	err := p.withRetry(ctx, func(ctx context.Context) error {
		a, err := p.cfg.Validator.AccountAddress(ctx, p.reader, owner)
		if err != nil {
			return err
		}
		addr = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	var state DeploymentState
	err = p.withRetry(ctx, func(ctx context.Context) error {
		s, err := deploymentState(ctx, p.reader, addr)
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	acct := Account{
		Address: addr,
		Owner:   owner,
		Scheme:  p.cfg.Validator.Scheme(),
		Version: p.cfg.Validator.Version(),
		State:   state,
	}
	p.log.Info("Provisioned account", "address", addr.Hex(), "owner", owner.Hex(), "state", state)

	return &Client{
		account:   acct,
		signer:    signer,
		reader:    p.reader,
		validator: p.cfg.Validator,
		ep:        p.ep,
		chainID:   new(big.Int).Set(p.cfg.ChainID),
		gas: gasLimits{
			call:         p.cfg.CallGasLimit,
			verification: p.cfg.VerificationGasLimit,
			preVerify:    p.cfg.PreVerificationGas,
		},
	}, nil
}

// verifyChain checks the node serves the configured chain. Only a
// successful check is cached, so an unreachable node is retried next time.
func (p *Provisioner) verifyChain(ctx context.Context) error {
	p.chainOnce.Lock()
	defer p.chainOnce.Unlock()
	if p.chainOK {
		return nil
	}

	var id *big.Int
	err := p.withRetry(ctx, func(ctx context.Context) error {
		v, err := p.reader.ChainID(ctx)
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if id.Cmp(p.cfg.ChainID) != 0 {
		return fmt.Errorf("%w: node reports %s, configured %s", ErrChainMismatch, id, p.cfg.ChainID)
	}
	p.chainOK = true
	return nil
}

func (p *Provisioner) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(p.cfg.Backoff)
	b = retry.WithMaxRetries(p.cfg.Attempts-1, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && backend.IsTransient(err) {
			p.log.Debug("Secondary chain read failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func deploymentState(ctx context.Context, reader ChainReader, addr common.Address) (DeploymentState, error) {
	code, err := reader.CodeAt(ctx, addr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get code: %w", err)
	}
	if len(code) == 0 {
		return Undeployed, nil
	}
	return Deployed, nil
}
