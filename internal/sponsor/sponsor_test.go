package sponsor

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/userop"
)

type refusal struct{ msg string }

func (e *refusal) Error() string  { return e.msg }
func (e *refusal) ErrorCode() int { return -32500 }

// fakePaymaster serves pm_sponsorUserOperation.
type fakePaymaster struct {
	deny      bool
	empty     bool
	paymaster common.Address
	calls     atomic.Int32

	mu      sync.Mutex
	lastPol map[string]string
	lastOp  userop.UserOperation
}

func (f *fakePaymaster) SponsorUserOperation(ctx context.Context, op userop.UserOperation, entryPoint common.Address, policy map[string]string) (*Grant, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastOp = op
	f.lastPol = policy
	f.mu.Unlock()
	if f.deny {
		return nil, &refusal{"policy rejected operation"}
	}
	if f.empty {
		return &Grant{PaymasterAndData: hexutil.Bytes{}}, nil
	}
	return &Grant{
		PaymasterAndData:     append(f.paymaster.Bytes(), 0xbe, 0xef),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150000)),
	}, nil
}

// newPaymaster starts a fake paymaster. The first failFirst HTTP requests
// are answered with status.
func newPaymaster(t *testing.T, pm *fakePaymaster, failFirst int32, status int) (*rpc.Client, *atomic.Int32) {
	t.Helper()
	srv := rpc.NewServer()
	if err := srv.RegisterName("pm", pm); err != nil {
		t.Fatalf("RegisterName: %v", err)
	}
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failFirst {
			http.Error(w, http.StatusText(status), status)
			return
		}
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	client, err := rpc.Dial(ts.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(client.Close)
	return client, &hits
}

func draft() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Nonce:                big.NewInt(0),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(400000),
		PreVerificationGas:   big.NewInt(60000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
		Signature:            make([]byte, 65),
	}
}

func testConfig() Config {
	return Config{
		EntryPoint: config.EntryPointV06,
		PolicyID:   "sp_test",
		Attempts:   3,
		Backoff:    time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}
}

func TestSponsorGrant(t *testing.T) {
	pm := &fakePaymaster{paymaster: common.HexToAddress("0x00000000000000000000000000000000000000aa")}
	client, _ := newPaymaster(t, pm, 0, 0)

	grant, err := New(client, testConfig()).Sponsor(context.Background(), draft())
	if err != nil {
		t.Fatalf("Sponsor: %v", err)
	}
	if grant.Paymaster() != pm.paymaster {
		t.Errorf("paymaster = %s, want %s", grant.Paymaster().Hex(), pm.paymaster.Hex())
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.lastPol["policyId"] != "sp_test" {
		t.Errorf("policy = %v", pm.lastPol)
	}
	if pm.lastOp.Sender != draft().Sender {
		t.Errorf("sponsor saw sender %s", pm.lastOp.Sender.Hex())
	}

	op := grant.Apply(draft())
	if !op.HasPaymaster() || op.PaymasterAddress() != pm.paymaster {
		t.Errorf("applied paymaster = %x", op.PaymasterAndData)
	}
	if op.VerificationGasLimit.Int64() != 150000 {
		t.Errorf("verificationGasLimit = %s, want 150000", op.VerificationGasLimit)
	}
	if op.CallGasLimit.Int64() != 100000 {
		t.Errorf("callGasLimit = %s, want unchanged 100000", op.CallGasLimit)
	}
}

func TestApplyDoesNotMutateDraft(t *testing.T) {
	d := draft()
	g := &Grant{PaymasterAndData: common.HexToAddress("0x01").Bytes()}
	_ = g.Apply(d)
	if d.HasPaymaster() {
		t.Error("Apply modified the draft")
	}
}

func TestSponsorDenied(t *testing.T) {
	pm := &fakePaymaster{deny: true}
	client, _ := newPaymaster(t, pm, 0, 0)

	_, err := New(client, testConfig()).Sponsor(context.Background(), draft())
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if n := pm.calls.Load(); n != 1 {
		t.Errorf("denial retried: %d calls", n)
	}
}

func TestSponsorEmptyGrantIsDenial(t *testing.T) {
	pm := &fakePaymaster{empty: true}
	client, _ := newPaymaster(t, pm, 0, 0)

	if _, err := New(client, testConfig()).Sponsor(context.Background(), draft()); !errors.Is(err, ErrDenied) {
		t.Errorf("expected ErrDenied, got %v", err)
	}
}

func TestSponsorHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, ErrDenied},
		{"unauthorized", http.StatusUnauthorized, ErrDenied},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := &fakePaymaster{paymaster: common.HexToAddress("0xaa")}
			client, hits := newPaymaster(t, pm, 100, tt.status)

			_, err := New(client, testConfig()).Sponsor(context.Background(), draft())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			wantHits := int32(1)
			if tt.want == ErrUnavailable {
				wantHits = 3
			}
			if n := hits.Load(); n != wantHits {
				t.Errorf("requests = %d, want %d", n, wantHits)
			}
		})
	}
}

func TestSponsorRecoversFromTransientFailure(t *testing.T) {
	pm := &fakePaymaster{paymaster: common.HexToAddress("0xaa")}
	client, hits := newPaymaster(t, pm, 2, http.StatusServiceUnavailable)

	if _, err := New(client, testConfig()).Sponsor(context.Background(), draft()); err != nil {
		t.Fatalf("Sponsor: %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestSponsorRejectsIncompleteDraft(t *testing.T) {
	pm := &fakePaymaster{}
	client, hits := newPaymaster(t, pm, 0, 0)

	op := draft()
	op.MaxFeePerGas = nil
	if _, err := New(client, testConfig()).Sponsor(context.Background(), op); !errors.Is(err, userop.ErrIncomplete) {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
	if hits.Load() != 0 {
		t.Error("incomplete draft reached the sponsor")
	}
}
