// Package relay submits user operations to a bundler and tracks them to
// inclusion.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/klingon-exchange/ankh/internal/backend"
	"github.com/klingon-exchange/ankh/internal/userop"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Errors
var (
	// ErrSubmissionRejected means the bundler refused the operation. The
	// same operation must not be resubmitted.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrRelayUnavailable means the bundler could not be reached on submit.
	ErrRelayUnavailable = errors.New("relay unavailable")
)

// Caller is the JSON-RPC surface of the bundler endpoint.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// TxReceipt is the subset of the bundle transaction receipt we surface.
type TxReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
	BlockHash       common.Hash  `json:"blockHash"`
}

// Receipt is an eth_getUserOperationReceipt result. Success reports the
// execution result; a reverted execution is still a confirmed operation.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Paymaster     common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	Receipt       TxReceipt      `json:"receipt"`
}

// GasCost returns the actual gas cost in wei.
func (r *Receipt) GasCost() *big.Int {
	if r.ActualGasCost == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.ActualGasCost.ToInt())
}

// Relay talks to an ERC-4337 bundler for one EntryPoint.
type Relay struct {
	caller     Caller
	entryPoint common.Address
	log        *logging.Logger
}

// New creates a relay client.
func New(caller Caller, entryPoint common.Address) *Relay {
	return &Relay{
		caller:     caller,
		entryPoint: entryPoint,
		log:        logging.GetDefault().Component("relay"),
	}
}

// EntryPoint returns the EntryPoint operations are submitted to.
func (r *Relay) EntryPoint() common.Address {
	return r.entryPoint
}

// Submit broadcasts a signed, sponsored operation and returns its handle.
// It is never retried here: a transport failure leaves the outcome of the
// broadcast unknown.
func (r *Relay) Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if err := op.Validate(); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}

	var handle common.Hash
	err := r.caller.CallContext(ctx, &handle, "eth_sendUserOperation", op, r.entryPoint)
	if err != nil {
		if rejected(err) {
			return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
		}
		return common.Hash{}, fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	if handle == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: bundler returned empty hash", ErrSubmissionRejected)
	}

	r.log.Info("Operation submitted", "sender", op.Sender.Hex(), "handle", handle.Hex())
	return handle, nil
}

// PollReceipt performs one receipt query. A nil receipt with a nil error
// means the operation is still pending.
func (r *Relay) PollReceipt(ctx context.Context, handle common.Hash) (*Receipt, error) {
	var rec *Receipt
	if err := r.caller.CallContext(ctx, &rec, "eth_getUserOperationReceipt", handle); err != nil {
		return nil, err
	}
	return rec, nil
}

// SupportedEntryPoints returns the EntryPoints the bundler accepts.
func (r *Relay) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := r.caller.CallContext(ctx, &out, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckEntryPoint verifies the bundler serves our EntryPoint.
func (r *Relay) CheckEntryPoint(ctx context.Context) error {
	eps, err := r.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if ep == r.entryPoint {
			return nil
		}
	}
	return fmt.Errorf("bundler does not support entry point %s", r.entryPoint.Hex())
}

func rejected(err error) bool {
	if _, ok := backend.RemoteError(err); ok {
		return true
	}
	if status, ok := backend.HTTPStatus(err); ok {
		return status >= 400 && status < 500 && status != http.StatusTooManyRequests
	}
	return false
}
