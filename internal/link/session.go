package link

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/singleflight"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/keyderiv"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/pkg/helpers"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Session is one linked account. All network work for the session runs
// under a connection context that Disconnect cancels; results that arrive
// after a disconnect are discarded by comparing generations.
type Session struct {
	id   string
	deps Deps
	opts Options
	log  *logging.Logger

	connectGroup singleflight.Group
	tracking     sync.WaitGroup

	mu         sync.RWMutex
	state      State
	gen        uint64
	cancelLink context.CancelFunc
	linkCtx    context.Context

	connector   primary.Connector
	identity    *primary.Identity
	key         *keyderiv.DerivedKey
	client      *account.Client
	balance     *big.Int
	balanceAt   time.Time
	attestation []byte

	pending *pendingOperation
	lastOp  *OperationStatus
	lastRec *storage.Operation
	lastErr *ErrorInfo

	handlers []EventHandler
	outbox   []Event
	flushMu  sync.Mutex
}

// NewSession creates a disconnected session.
func NewSession(id string, deps Deps, opts Options) *Session {
	if deps.Derive == nil {
		deps.Derive = keyderiv.Derive
	}
	if opts.Decimals == 0 {
		opts.Decimals = 18
	}
	return &Session{
		id:    id,
		deps:  deps,
		opts:  opts,
		log:   logging.GetDefault().Component("link").With("session", id),
		state: StateDisconnected,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnEvent registers an event handler.
func (s *Session) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Connect runs wallet connect, identity resolution, key derivation and
// account provisioning as one sequence. Concurrent calls share the
// outstanding sequence instead of starting another.
//
// A silent connect with no authorized account leaves the session
// disconnected and returns nil.
func (s *Session) Connect(ctx context.Context, connector primary.Connector, mode primary.ConnectMode) (Status, error) {
	_, err, shared := s.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, s.runConnect(ctx, connector, mode)
	})
	if shared {
		s.log.Debug("Joined outstanding connect")
	}
	return s.Status(), err
}

func (s *Session) runConnect(ctx context.Context, connector primary.Connector, mode primary.ConnectMode) error {
	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateConnected {
		s.mu.Unlock()
		return ErrAlreadyLinked
	}
	if s.cancelLink != nil {
		s.cancelLink()
	}
	s.linkCtx, s.cancelLink = context.WithCancel(context.Background())
	linkCtx := s.linkCtx
	gen := s.gen
	s.wipeLocked()
	s.lastErr = nil
	s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()
	s.flush()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(linkCtx, cancel)
	defer stop()

	acct, err := connector.Connect(ctx, mode)
	if err != nil {
		return s.failConnect(gen, StageConnect, err, StateDisconnected)
	}
	if acct.Address == "" {
		s.mu.Lock()
		if s.gen == gen {
			s.releaseLinkLocked()
			s.setStateLocked(StateDisconnected, nil)
		}
		s.mu.Unlock()
		s.flush()
		s.log.Debug("Silent connect found no account")
		return nil
	}

	address, err := primary.NormalizeAddress(acct.Address)
	if err != nil {
		return s.failConnect(gen, StageConnect, fmt.Errorf("wallet returned invalid address: %w", err), StateDisconnected)
	}
	chainID, err := connector.ChainID(ctx)
	if err != nil {
		return s.failConnect(gen, StageConnect, err, StateDisconnected)
	}
	if s.opts.PrimaryChainID != "" && !strings.EqualFold(chainID, s.opts.PrimaryChainID) {
		err := fmt.Errorf("%w: got %s, want %s", ErrWrongNetwork, chainID, s.opts.PrimaryChainID)
		return s.failConnect(gen, StageConnect, err, StateDisconnected)
	}

	controller, err := s.deps.Resolver.ResolveController(ctx, address)
	if err != nil {
		return s.failConnect(gen, StageResolve, err, StateDisconnected)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.connector = connector
	s.identity = &primary.Identity{Address: address, ChainID: chainID}
	s.setStateLocked(StateConnected, nil)
	s.setStateLocked(StateProvisioning, nil)
	s.mu.Unlock()
	s.flush()
	s.log.Info("Primary identity connected", "address", address, "chain", chainID)

	seed := primary.FeltBytes(controller)
	key, err := s.deps.Derive(seed)
	helpers.Wipe(seed)
	if err != nil {
		return s.failConnect(gen, StageDerive, err, StateConnected)
	}

	client, err := s.deps.Provisioner.Provision(ctx, key)
	if err != nil {
		key.Wipe()
		return s.failConnect(gen, StageProvision, err, StateConnected)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		key.Wipe()
		return ErrDisconnected
	}
	s.key = key
	s.client = client
	s.setStateLocked(StateLinked, nil)
	identity := *s.identity
	s.mu.Unlock()
	s.flush()
	s.log.Info("Account linked", "secondary", client.Address().Hex(), "deployment", client.Account().State)

	if s.opts.Attest {
		if err := s.attest(ctx, gen, connector, identity, client); err != nil {
			return err
		}
	}

	// The connect itself succeeded; a failed balance read is recorded on
	// the status surface as LastError.
	_, _ = s.refreshBalance(ctx, gen, client, RefreshLinked)
	return nil
}

func (s *Session) attest(ctx context.Context, gen uint64, connector primary.Connector, identity primary.Identity, client *account.Client) error {
	td := LinkAttestation(identity, client.Account(), client.ChainID())
	sig, err := connector.SignTypedMessage(ctx, td)
	if err != nil {
		se := &StageError{Stage: StageAttest, Kind: KindAttestation, Err: err}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return ErrDisconnected
		}
		if s.key != nil {
			s.key.Wipe()
		}
		s.key = nil
		s.client = nil
		s.lastErr = errorInfo(se)
		s.setStateLocked(StateError, s.lastErr)
		s.setStateLocked(StateConnected, nil)
		s.mu.Unlock()
		s.flush()
		s.log.Warn("Link attestation failed", "error", err)
		return se
	}

	s.mu.Lock()
	if s.gen == gen {
		s.attestation = sig
	}
	s.mu.Unlock()
	return nil
}

// failConnect records a connect-sequence failure and falls back to the
// given stable state. Disconnected clears the identity.
func (s *Session) failConnect(gen uint64, stage Stage, err error, fallback State) error {
	se := stageError(stage, err)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.lastErr = errorInfo(se)
	s.setStateLocked(StateError, s.lastErr)
	if fallback == StateDisconnected {
		s.identity = nil
		s.connector = nil
		s.releaseLinkLocked()
	}
	s.setStateLocked(fallback, nil)
	s.mu.Unlock()
	s.flush()

	s.log.Warn("Connect failed", "stage", stage, "kind", se.Kind, "error", err)
	return se
}

// Disconnect tears the session down from any state. Tracking stops
// without further network calls and a submitted operation is recorded as
// indeterminate.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected && s.cancelLink == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.releaseLinkLocked()

	var rec *storage.Operation
	if p := s.pending; p != nil {
		now := time.Now()
		if p.broadcast {
			p.status.State = OperationIndeterminate
			p.rec.State = storage.OperationIndeterminate
		} else {
			info := &ErrorInfo{Stage: StageSubmit, Kind: KindCancelled, Message: ErrDisconnected.Error()}
			p.status.State = OperationFailed
			p.status.Error = info
			p.rec.State = storage.OperationFailed
			setRecordError(&p.rec, info)
		}
		p.status.UpdatedAt = now
		s.lastOp = p.status
		r := p.rec
		s.lastRec = &r
		rec = &r
		s.pending = nil
	}

	s.wipeLocked()
	s.lastErr = nil
	s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()
	s.flush()
	s.save(rec)

	s.log.Info("Session disconnected")
}

// Wait blocks until background tracking has stopped.
func (s *Session) Wait() {
	s.tracking.Wait()
}

func (s *Session) releaseLinkLocked() {
	if s.cancelLink != nil {
		s.cancelLink()
	}
	s.cancelLink = nil
	s.linkCtx = nil
}

// wipeLocked zeroes the derived key and drops everything derived from the
// identity.
func (s *Session) wipeLocked() {
	if s.key != nil {
		s.key.Wipe()
	}
	s.key = nil
	s.client = nil
	s.identity = nil
	s.connector = nil
	s.balance = nil
	s.balanceAt = time.Time{}
	s.attestation = nil
}

// RefreshBalance re-reads the account balance.
func (s *Session) RefreshBalance(ctx context.Context) (*big.Int, error) {
	s.mu.RLock()
	client := s.client
	gen := s.gen
	s.mu.RUnlock()
	if client == nil {
		return nil, ErrNotLinked
	}
	return s.refreshBalance(ctx, gen, client, RefreshRequested)
}

func (s *Session) refreshBalance(ctx context.Context, gen uint64, client *account.Client, reason string) (*big.Int, error) {
	bal, err := client.Balance(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if err != nil {
		se := &StageError{Stage: StageBalance, Kind: KindBalanceUnavailable, Err: err}
		s.lastErr = errorInfo(se)
		s.mu.Unlock()
		s.log.Warn("Balance refresh failed", "reason", reason, "error", err)
		return nil, se
	}
	s.balance = bal
	s.balanceAt = time.Now()
	s.emitLocked(EventBalanceUpdated, BalanceUpdate{Balance: bal.String(), Reason: reason})
	s.mu.Unlock()
	s.flush()

	s.log.Debug("Balance refreshed", "balance", bal, "reason", reason)
	return new(big.Int).Set(bal), nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		SessionID: s.id,
		State:     s.state,
		Symbol:    s.opts.Symbol,
	}
	if s.identity != nil {
		id := *s.identity
		st.Primary = &id
	}
	if s.client != nil {
		acct := s.client.Account()
		st.Secondary = &acct
		st.SecondaryChainID = s.client.ChainID().String()
	}
	if s.balance != nil {
		st.Balance = s.balance.String()
		st.BalanceDisplay = helpers.FormatUnits(s.balance, s.opts.Decimals)
		at := s.balanceAt
		st.BalanceUpdatedAt = &at
	}
	if s.pending != nil {
		st.Pending = s.pending.status.copy()
	}
	st.LastOperation = s.lastOp.copy()
	if s.lastErr != nil {
		e := *s.lastErr
		st.LastError = &e
	}
	if len(s.attestation) > 0 {
		st.Attestation = hexutil.Encode(s.attestation)
	}
	return st
}

// setStateLocked moves to a new state and queues a state_changed event.
func (s *Session) setStateLocked(to State, info *ErrorInfo) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.emitLocked(EventStateChanged, StateChange{From: from, To: to, Error: info})
}

func (s *Session) emitLocked(eventType EventType, data interface{}) {
	s.outbox = append(s.outbox, Event{
		SessionID: s.id,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// flush delivers queued events in order, outside the state lock.
func (s *Session) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	events := s.outbox
	s.outbox = nil
	handlers := make([]EventHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (s *Session) save(rec *storage.Operation) {
	if rec == nil || s.deps.Journal == nil {
		return
	}
	if err := s.deps.Journal.SaveOperation(rec); err != nil {
		s.log.Error("Failed to journal operation", "id", rec.ID, "error", err)
	}
}
