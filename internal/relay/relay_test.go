package relay

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/userop"
)

type bundlerError struct {
	code int
	msg  string
}

func (e *bundlerError) Error() string  { return e.msg }
func (e *bundlerError) ErrorCode() int { return e.code }

// fakeBundler serves the eth_ namespace of an ERC-4337 bundler.
type fakeBundler struct {
	mu       sync.Mutex
	reject   bool
	receipts map[common.Hash]*Receipt
	ops      []userop.UserOperation
}

func (b *fakeBundler) SendUserOperation(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reject {
		return common.Hash{}, &bundlerError{-32602, "AA25 invalid account nonce"}
	}
	if entryPoint != config.EntryPointV06 {
		return common.Hash{}, &bundlerError{-32602, "unsupported entry point"}
	}
	b.ops = append(b.ops, op)
	h, err := op.Hash(entryPoint, big.NewInt(11155111))
	if err != nil {
		return common.Hash{}, err
	}
	return h, nil
}

func (b *fakeBundler) GetUserOperationReceipt(ctx context.Context, handle common.Hash) (*Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receipts[handle], nil
}

func (b *fakeBundler) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	return []common.Address{config.EntryPointV06}, nil
}

func newBundler(t *testing.T, b *fakeBundler, status int) *rpc.Client {
	t.Helper()
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", b); err != nil {
		t.Fatalf("RegisterName: %v", err)
	}
	var h http.Handler = srv
	if status != 0 {
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(status), status)
		})
	}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	client, err := rpc.Dial(ts.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func signedOperation() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Nonce:                big.NewInt(1),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(400000),
		PreVerificationGas:   big.NewInt(60000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
		PaymasterAndData:     common.HexToAddress("0xaa").Bytes(),
		Signature:            make([]byte, 65),
	}
}

func TestSubmitReturnsHandle(t *testing.T) {
	b := &fakeBundler{}
	r := New(newBundler(t, b, 0), config.EntryPointV06)

	op := signedOperation()
	handle, err := r.Submit(context.Background(), op)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want, _ := op.Hash(config.EntryPointV06, big.NewInt(11155111))
	if handle != want {
		t.Errorf("handle = %s, want %s", handle.Hex(), want.Hex())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ops) != 1 || b.ops[0].Sender != op.Sender {
		t.Errorf("bundler received %d ops", len(b.ops))
	}
}

func TestSubmitRejected(t *testing.T) {
	r := New(newBundler(t, &fakeBundler{reject: true}, 0), config.EntryPointV06)
	_, err := r.Submit(context.Background(), signedOperation())
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
}

func TestSubmitUnavailable(t *testing.T) {
	r := New(newBundler(t, &fakeBundler{}, http.StatusBadGateway), config.EntryPointV06)
	_, err := r.Submit(context.Background(), signedOperation())
	if !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("expected ErrRelayUnavailable, got %v", err)
	}
	if errors.Is(err, ErrSubmissionRejected) {
		t.Error("transport failure classified as rejection")
	}
}

func TestSubmitIncompleteRejectedLocally(t *testing.T) {
	b := &fakeBundler{}
	r := New(newBundler(t, b, 0), config.EntryPointV06)
	op := signedOperation()
	op.Nonce = nil
	if _, err := r.Submit(context.Background(), op); !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ops) != 0 {
		t.Error("incomplete operation reached the bundler")
	}
}

func TestPollReceipt(t *testing.T) {
	handle := common.HexToHash("0x01")
	b := &fakeBundler{receipts: map[common.Hash]*Receipt{}}
	r := New(newBundler(t, b, 0), config.EntryPointV06)

	rec, err := r.PollReceipt(context.Background(), handle)
	if err != nil {
		t.Fatalf("PollReceipt: %v", err)
	}
	if rec != nil {
		t.Fatalf("pending operation returned receipt %+v", rec)
	}

	b.mu.Lock()
	b.receipts[handle] = &Receipt{
		UserOpHash:    handle,
		Success:       false,
		Reason:        "0x",
		ActualGasCost: (*hexutil.Big)(big.NewInt(21000)),
		Receipt:       TxReceipt{TransactionHash: common.HexToHash("0xfeed")},
	}
	b.mu.Unlock()

	rec, err = r.PollReceipt(context.Background(), handle)
	if err != nil {
		t.Fatalf("PollReceipt: %v", err)
	}
	if rec == nil || rec.UserOpHash != handle {
		t.Fatalf("receipt = %+v", rec)
	}
	if rec.Success {
		t.Error("reverted execution reported as success")
	}
	if rec.GasCost().Int64() != 21000 {
		t.Errorf("gas cost = %s", rec.GasCost())
	}
	if rec.Receipt.TransactionHash != common.HexToHash("0xfeed") {
		t.Errorf("tx hash = %s", rec.Receipt.TransactionHash.Hex())
	}
}

func TestCheckEntryPoint(t *testing.T) {
	client := newBundler(t, &fakeBundler{}, 0)
	if err := New(client, config.EntryPointV06).CheckEntryPoint(context.Background()); err != nil {
		t.Errorf("CheckEntryPoint: %v", err)
	}
	other := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	if err := New(client, other).CheckEntryPoint(context.Background()); err == nil {
		t.Error("expected unsupported entry point error")
	}
}
