// Package sponsor obtains paymaster sponsorship for draft user operations.
package sponsor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sethvargo/go-retry"

	"github.com/klingon-exchange/ankh/internal/backend"
	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/userop"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Errors
var (
	// ErrDenied means the sponsor answered and refused. Not retryable.
	ErrDenied = errors.New("sponsorship denied")
	// ErrUnavailable means the sponsor could not be reached.
	ErrUnavailable = errors.New("sponsorship unavailable")
)

// DefaultMethod is the paymaster JSON-RPC method.
const DefaultMethod = "pm_sponsorUserOperation"

// Caller is the JSON-RPC surface of the sponsor endpoint.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Grant is the fee-covering authorization returned by the paymaster.
// Gas fields are optional; when present they replace the draft's limits.
type Grant struct {
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData"`
	CallGasLimit         *hexutil.Big  `json:"callGasLimit,omitempty"`
	VerificationGasLimit *hexutil.Big  `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   *hexutil.Big  `json:"preVerificationGas,omitempty"`
}

// Paymaster returns the paymaster address of the grant.
func (g *Grant) Paymaster() common.Address {
	if len(g.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(g.PaymasterAndData[:common.AddressLength])
}

// Apply returns a copy of op carrying the grant. The copy must be signed
// afterwards since paymasterAndData is covered by the operation hash.
func (g *Grant) Apply(op *userop.UserOperation) *userop.UserOperation {
	out := op.Copy()
	out.PaymasterAndData = common.CopyBytes(g.PaymasterAndData)
	if g.CallGasLimit != nil {
		out.CallGasLimit = new(big.Int).Set(g.CallGasLimit.ToInt())
	}
	if g.VerificationGasLimit != nil {
		out.VerificationGasLimit = new(big.Int).Set(g.VerificationGasLimit.ToInt())
	}
	if g.PreVerificationGas != nil {
		out.PreVerificationGas = new(big.Int).Set(g.PreVerificationGas.ToInt())
	}
	return out
}

// Config configures the sponsor client.
type Config struct {
	EntryPoint common.Address
	PolicyID   string
	Method     string

	Attempts   uint64
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Sponsor requests grants from a paymaster service.
type Sponsor struct {
	caller Caller
	cfg    Config
	log    *logging.Logger
}

// New creates a sponsor client.
func New(caller Caller, cfg Config) *Sponsor {
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = config.DefaultSponsorAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = config.DefaultSponsorBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = config.DefaultSponsorMaxBackoff
	}
	return &Sponsor{
		caller: caller,
		cfg:    cfg,
		log:    logging.GetDefault().Component("sponsor"),
	}
}

// Sponsor sends the draft operation to the paymaster and returns its
// grant. Transport failures are retried with capped exponential backoff;
// an explicit refusal is returned immediately.
func (s *Sponsor) Sponsor(ctx context.Context, op *userop.UserOperation) (*Grant, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid draft operation: %w", err)
	}

	policy := map[string]string{}
	if s.cfg.PolicyID != "" {
		policy["policyId"] = s.cfg.PolicyID
	}

	b := retry.NewExponential(s.cfg.Backoff)
	b = retry.WithCappedDuration(s.cfg.MaxBackoff, b)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxRetries(s.cfg.Attempts-1, b)

	var (
		grant   *Grant
		attempt int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var g *Grant
		err := s.caller.CallContext(ctx, &g, s.cfg.Method, op, s.cfg.EntryPoint, policy)
		if err == nil {
			if g == nil || len(g.PaymasterAndData) < common.AddressLength {
				return fmt.Errorf("%w: empty paymasterAndData", ErrDenied)
			}
			grant = g
			return nil
		}
		if denied(err) {
			return fmt.Errorf("%w: %w", ErrDenied, err)
		}
		s.log.Warn("Sponsor request failed", "attempt", attempt, "error", err)
		return retry.RetryableError(fmt.Errorf("%w: %w", ErrUnavailable, err))
	})
	if err != nil {
		if !errors.Is(err, ErrDenied) && !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}

	s.log.Debug("Operation sponsored", "sender", op.Sender.Hex(), "paymaster", grant.Paymaster().Hex(), "attempts", attempt)
	return grant, nil
}

// denied reports whether the sponsor reached a decision. JSON-RPC errors
// and client-side HTTP errors other than rate limiting are refusals.
func denied(err error) bool {
	if _, ok := backend.RemoteError(err); ok {
		return true
	}
	if status, ok := backend.HTTPStatus(err); ok {
		return status >= 400 && status < 500 && status != http.StatusTooManyRequests
	}
	return false
}
