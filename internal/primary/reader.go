package primary

import (
	"context"
	"fmt"
	"math/big"
)

// Starknet JSON-RPC error codes relevant to contract reads.
const (
	CodeContractNotFound = 20
	CodeBlockNotFound    = 24
	CodeContractError    = 40
)

// Caller is satisfied by *rpc.Client.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Reader performs read-only contract calls against the primary chain.
type Reader struct {
	client Caller
}

// NewReader creates a primary chain read client.
func NewReader(client Caller) *Reader {
	return &Reader{client: client}
}

// FunctionCall is the starknet_call request object.
type FunctionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

// Call invokes a view entrypoint at the latest block and returns the felts it produced.
func (r *Reader) Call(ctx context.Context, contract string, entrypoint string, args []*big.Int) ([]*big.Int, error) {
	addr, err := ParseFelt(contract)
	if err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}

	req := FunctionCall{
		ContractAddress:    FormatFelt(addr),
		EntryPointSelector: FormatFelt(Selector(entrypoint)),
		Calldata:           make([]string, len(args)),
	}
	for i, a := range args {
		req.Calldata[i] = FormatFelt(a)
	}

	var raw []string
	if err := r.client.CallContext(ctx, &raw, "starknet_call", req, "latest"); err != nil {
		return nil, err
	}

	out := make([]*big.Int, len(raw))
	for i, s := range raw {
		v, err := ParseFelt(s)
		if err != nil {
			return nil, fmt.Errorf("return value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
