package link

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/account/accounttest"
	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/relay"
	"github.com/klingon-exchange/ankh/internal/sponsor"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/internal/userop"
)

const (
	testPrimary    = "0xabc"
	testController = 0xdef
	testChainID    = 11155111
)

// Golden: derive(0xdef) under v1.
var testOwner = common.HexToAddress("0xA9A13B746619B6B189d7c6022462DB663d56082f")

type fakeResolver struct {
	mu          sync.Mutex
	controllers map[string]*big.Int
	calls       int
	err         error
	entered     chan struct{}
	gate        chan struct{}
}

func (f *fakeResolver) ResolveController(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	f.calls++
	entered, gate, err := f.entered, f.gate, f.err
	c := f.controllers[address]
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: account %s not deployed", primary.ErrResolution, address)
	}
	return c, nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSponsor struct {
	mu          sync.Mutex
	calls       int
	deny        bool
	unavailable bool
	onSponsor   func() // runs before the grant is returned
}

func (f *fakeSponsor) Sponsor(ctx context.Context, op *userop.UserOperation) (*sponsor.Grant, error) {
	f.mu.Lock()
	hook := f.onSponsor
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.deny {
		return nil, fmt.Errorf("%w: policy rejected operation", sponsor.ErrDenied)
	}
	if f.unavailable {
		return nil, fmt.Errorf("%w: connection refused", sponsor.ErrUnavailable)
	}
	return &sponsor.Grant{PaymasterAndData: append(common.HexToAddress("0xaa").Bytes(), 0x01)}, nil
}

func (f *fakeSponsor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRelay is the bundler: it accepts operations and answers receipt
// polls, confirming from poll confirmAt onwards (0 never confirms).
type fakeRelay struct {
	mu          sync.Mutex
	submits     int
	reject      bool
	unavailable bool
	confirmAt   int32
	success     bool

	polls atomic.Int32
}

func (f *fakeRelay) Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.reject {
		return common.Hash{}, fmt.Errorf("%w: AA25 invalid account nonce", relay.ErrSubmissionRejected)
	}
	if f.unavailable {
		return common.Hash{}, fmt.Errorf("%w: connection reset", relay.ErrRelayUnavailable)
	}
	return op.Hash(config.EntryPointV06, big.NewInt(testChainID))
}

func (f *fakeRelay) PollReceipt(ctx context.Context, handle common.Hash) (*relay.Receipt, error) {
	n := f.polls.Add(1)
	f.mu.Lock()
	confirmAt, success := f.confirmAt, f.success
	f.mu.Unlock()
	if confirmAt > 0 && n >= confirmAt {
		return &relay.Receipt{
			UserOpHash: handle,
			Success:    success,
			Receipt:    relay.TxReceipt{TransactionHash: common.HexToHash("0xbeef")},
		}, nil
	}
	return nil, nil
}

func (f *fakeRelay) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeRelay) set(fn func(r *fakeRelay)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type memJournal struct {
	mu  sync.Mutex
	ops map[string]storage.Operation
}

func (j *memJournal) SaveOperation(op *storage.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ops == nil {
		j.ops = make(map[string]storage.Operation)
	}
	j.ops[op.ID] = *op
	return nil
}

func (j *memJournal) get(id string) (storage.Operation, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	op, ok := j.ops[id]
	return op, ok
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) balanceUpdates(reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if bu, ok := ev.Data.(BalanceUpdate); ok && bu.Reason == reason {
			n++
		}
	}
	return n
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if sc, ok := ev.Data.(StateChange); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	chain    *accounttest.Chain
	resolver *fakeResolver
	sponsor  *fakeSponsor
	relay    *fakeRelay
	journal  *memJournal
	events   *eventLog
	session  *Session
	deps     Deps
}

func newDeps(t *testing.T, chain *accounttest.Chain, track relay.TrackConfig) (Deps, *fakeResolver, *fakeSponsor, *fakeRelay, *memJournal) {
	t.Helper()
	v, err := account.NewValidator(account.ValidatorConfig{
		Scheme:  config.SchemeECDSA,
		Version: config.VersionSimpleAccountV06,
		Factory: config.SimpleAccountFactoryV06,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	prov, err := account.NewProvisioner(chain, account.ProvisionerConfig{
		EntryPoint: config.EntryPointV06,
		ChainID:    big.NewInt(testChainID),
		Validator:  v,
		Attempts:   1,
		Backoff:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}

	resolver := &fakeResolver{controllers: map[string]*big.Int{testPrimary: big.NewInt(testController)}}
	sp := &fakeSponsor{}
	rl := &fakeRelay{success: true}
	j := &memJournal{}
	return Deps{
		Resolver:    resolver,
		Provisioner: prov,
		Sponsor:     sp,
		Relay:       rl,
		Tracker:     relay.NewTracker(rl, track),
		Journal:     j,
	}, resolver, sp, rl, j
}

func newHarness(t *testing.T, track relay.TrackConfig, opts Options) *harness {
	t.Helper()
	chain := accounttest.NewChain(testChainID, config.SimpleAccountFactoryV06, config.EntryPointV06)
	chain.SetBalance(accounttest.AccountFor(testOwner, nil), big.NewInt(1_000_000_000_000_000_000))

	deps, resolver, sp, rl, j := newDeps(t, chain, track)
	h := &harness{
		chain:    chain,
		resolver: resolver,
		sponsor:  sp,
		relay:    rl,
		journal:  j,
		events:   &eventLog{},
		deps:     deps,
	}
	h.session = NewSession("test-session", deps, opts)
	h.session.OnEvent(h.events.handle)
	t.Cleanup(func() {
		h.session.Disconnect()
		h.session.Wait()
	})
	return h
}

func fastTracking() relay.TrackConfig {
	return relay.TrackConfig{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second}
}

func connector() *primary.StaticConnector {
	return primary.NewStaticConnector(testPrimary, config.PrimaryChainSepolia)
}

func (h *harness) link(t *testing.T) {
	t.Helper()
	if _, err := h.session.Connect(context.Background(), connector(), primary.ModeInteractive); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := h.session.State(); st != StateLinked {
		t.Fatalf("state = %s, want %s", st, StateLinked)
	}
}

func validTransfer() TransferRequest {
	return TransferRequest{
		Recipient: "0x1111111111111111111111111111111111111111",
		Value:     "1000",
		Data:      "0x",
	}
}
