package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/relay"
	"github.com/klingon-exchange/ankh/internal/storage"
)

// pendingOperation is the one transfer a session may have in flight.
// Fields are guarded by Session.mu.
type pendingOperation struct {
	status    *OperationStatus
	rec       storage.Operation
	handle    common.Hash
	broadcast bool // Submit was attempted; the bundler may have it
}

// SubmitTransfer validates req, then sponsors, signs and submits the
// transfer and starts tracking it in the background. It returns once the
// bundler has accepted the operation. A request made while another
// transfer is in flight is rejected before any network call.
func (s *Session) SubmitTransfer(ctx context.Context, req TransferRequest) (*OperationStatus, error) {
	tr, err := parseTransfer(req)
	if err != nil {
		return nil, &StageError{Stage: StageValidate, Kind: KindInvalidInput, Err: err}
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrOperationInFlight
	}
	if s.state != StateLinked || s.client == nil {
		s.mu.Unlock()
		return nil, ErrNotLinked
	}
	gen := s.gen
	client := s.client
	linkCtx := s.linkCtx
	now := time.Now()
	p := &pendingOperation{
		status: &OperationStatus{
			ID:          uuid.NewString(),
			State:       OperationPending,
			Recipient:   tr.to.Hex(),
			Value:       tr.value.String(),
			SubmittedAt: now,
			UpdatedAt:   now,
		},
	}
	p.rec = storage.Operation{
		ID:             p.status.ID,
		SessionID:      s.id,
		PrimaryAddress: s.identity.Address,
		Sender:         client.Address().Hex(),
		Recipient:      p.status.Recipient,
		Value:          p.status.Value,
		Data:           hexutil.Encode(tr.data),
		State:          storage.OperationSubmitting,
	}
	s.pending = p
	s.setStateLocked(StateSubmitting, nil)
	rec := p.rec
	s.mu.Unlock()
	s.flush()
	s.save(&rec)

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(linkCtx, cancel)
	defer stop()

	draft, err := client.Prepare(opCtx, account.Call{To: tr.to, Value: tr.value, Data: tr.data})
	if err != nil {
		return nil, s.failSubmission(gen, p, StagePrepare, err)
	}

	grant, err := s.deps.Sponsor.Sponsor(opCtx, draft)
	if err != nil {
		return nil, s.failSubmission(gen, p, StageSponsor, err)
	}
	op := grant.Apply(draft)

	// Disconnect wipes the key; a sign after that fails with keyderiv.ErrKeyWiped.
	s.mu.RLock()
	disconnected := s.gen != gen
	s.mu.RUnlock()
	if disconnected {
		return nil, ErrDisconnected
	}
	localHash, err := client.Sign(op)
	if err != nil {
		return nil, s.failSubmission(gen, p, StageSign, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	p.broadcast = true
	p.handle = localHash
	p.status.Handle = localHash.Hex()
	p.rec.Handle = p.status.Handle
	s.mu.Unlock()

	handle, err := s.deps.Relay.Submit(opCtx, op)
	if err != nil {
		return nil, s.failSubmission(gen, p, StageSubmit, err)
	}
	if handle != localHash {
		s.log.Warn("Bundler handle differs from local operation hash", "handle", handle.Hex(), "local", localHash.Hex())
	}

	s.mu.Lock()
	if s.gen != gen || s.pending != p {
		// Disconnected while submitting; Disconnect recorded it as indeterminate.
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	p.handle = handle
	p.status.Handle = handle.Hex()
	p.status.UpdatedAt = time.Now()
	p.rec.Handle = p.status.Handle
	p.rec.State = storage.OperationAwaiting
	s.setStateLocked(StateAwaitingConfirmation, nil)
	submitted := p.status.copy()
	s.emitLocked(EventOperationSubmitted, submitted)
	rec = p.rec
	s.tracking.Add(1)
	s.mu.Unlock()
	s.flush()
	s.save(&rec)

	go s.track(linkCtx, gen, p, client)

	s.log.Info("Transfer submitted", "id", p.status.ID, "handle", handle.Hex(), "to", tr.to.Hex(), "value", tr.value)
	return submitted.copy(), nil
}

// track waits for the receipt. After a confirmation, successful or
// reverted, the balance is refreshed exactly once. Nothing is refreshed on
// timeout.
func (s *Session) track(ctx context.Context, gen uint64, p *pendingOperation, client *account.Client) {
	defer s.tracking.Done()

	res, err := s.deps.Tracker.Track(ctx, p.handle)

	s.mu.Lock()
	if s.gen != gen || s.pending != p {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	p.status.Attempts = res.Attempts
	p.status.UpdatedAt = now
	p.rec.Attempts = res.Attempts

	if err == nil {
		r := res.Receipt
		success := r.Success
		p.status.State = OperationConfirmed
		p.status.Success = &success
		p.status.Reason = r.Reason
		p.status.TxHash = r.Receipt.TransactionHash.Hex()
		p.rec.State = storage.OperationConfirmed
		p.rec.Success = &success
		p.rec.Reason = r.Reason
		p.rec.TxHash = p.status.TxHash
		s.finishLocked(p)
		s.emitLocked(EventOperationConfirmed, p.status.copy())
		rec := p.rec
		s.mu.Unlock()
		s.flush()
		s.save(&rec)

		if !success {
			s.log.Warn("Transfer confirmed with reverted execution", "handle", p.handle.Hex(), "reason", r.Reason)
		}
		_, _ = s.refreshBalance(ctx, gen, client, RefreshConfirmation)
		return
	}

	se := stageError(StageTrack, err)
	info := errorInfo(se)
	p.status.Error = info
	setRecordError(&p.rec, info)
	if errors.Is(err, relay.ErrConfirmationTimeout) {
		p.status.State = OperationTimedOut
		p.rec.State = storage.OperationTimedOut
	} else {
		p.status.State = OperationIndeterminate
		p.rec.State = storage.OperationIndeterminate
	}
	s.lastErr = info
	s.setStateLocked(StateError, info)
	s.finishLocked(p)
	s.emitLocked(EventOperationTimedOut, p.status.copy())
	rec := p.rec
	s.mu.Unlock()
	s.flush()
	s.save(&rec)

	s.log.Warn("Transfer outcome unknown", "handle", p.handle.Hex(), "attempts", res.Attempts, "error", err)
}

// failSubmission aborts the pending operation and returns to Linked. A
// transport failure on submit leaves the operation indeterminate since
// the bundler may have received it.
func (s *Session) failSubmission(gen uint64, p *pendingOperation, stage Stage, err error) error {
	se := stageError(stage, err)

	s.mu.Lock()
	if s.gen != gen || s.pending != p {
		s.mu.Unlock()
		return ErrDisconnected
	}
	info := errorInfo(se)
	p.status.Error = info
	p.status.UpdatedAt = time.Now()
	setRecordError(&p.rec, info)
	if stage == StageSubmit && se.Kind == KindRelayUnavailable {
		p.status.State = OperationIndeterminate
		p.rec.State = storage.OperationIndeterminate
	} else {
		p.status.State = OperationFailed
		p.rec.State = storage.OperationFailed
	}
	s.lastErr = info
	s.setStateLocked(StateError, info)
	s.finishLocked(p)
	s.emitLocked(EventOperationFailed, p.status.copy())
	rec := p.rec
	s.mu.Unlock()
	s.flush()
	s.save(&rec)

	s.log.Warn("Transfer failed", "stage", stage, "kind", se.Kind, "error", err)
	return se
}

// finishLocked clears the pending slot and returns to Linked.
func (s *Session) finishLocked(p *pendingOperation) {
	s.lastOp = p.status
	r := p.rec
	s.lastRec = &r
	s.pending = nil
	s.setStateLocked(StateLinked, nil)
}

// CheckOperation queries the relay once for the receipt of the last
// operation. It is how a timed-out or indeterminate transfer is resolved.
func (s *Session) CheckOperation(ctx context.Context, handle string) (*OperationStatus, error) {
	raw, err := hexutil.Decode(handle)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("%w: invalid operation handle %q", ErrUnknownOperation, handle)
	}
	h := common.BytesToHash(raw)

	s.mu.RLock()
	gen := s.gen
	if p := s.pending; p != nil && p.handle == h {
		st := p.status.copy()
		s.mu.RUnlock()
		return st, nil
	}
	last := s.lastOp
	if last == nil || !strings.EqualFold(last.Handle, h.Hex()) {
		s.mu.RUnlock()
		return nil, ErrUnknownOperation
	}
	if last.State == OperationConfirmed {
		st := last.copy()
		s.mu.RUnlock()
		return st, nil
	}
	s.mu.RUnlock()

	r, err := s.deps.Relay.PollReceipt(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relay.ErrRelayUnavailable, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.lastOp != last {
		st := s.lastOp.copy()
		s.mu.Unlock()
		if st == nil {
			return nil, ErrUnknownOperation
		}
		return st, nil
	}
	if r == nil {
		st := last.copy()
		s.mu.Unlock()
		return st, nil
	}

	success := r.Success
	last.State = OperationConfirmed
	last.Success = &success
	last.Reason = r.Reason
	last.TxHash = r.Receipt.TransactionHash.Hex()
	last.Error = nil
	last.UpdatedAt = time.Now()
	var rec *storage.Operation
	if s.lastRec != nil {
		s.lastRec.State = storage.OperationConfirmed
		s.lastRec.Success = &success
		s.lastRec.Reason = r.Reason
		s.lastRec.TxHash = last.TxHash
		setRecordError(s.lastRec, nil)
		cp := *s.lastRec
		rec = &cp
	}
	st := last.copy()
	s.emitLocked(EventOperationConfirmed, st.copy())
	s.mu.Unlock()
	s.flush()
	s.save(rec)

	s.log.Info("Late confirmation observed", "handle", h.Hex(), "success", success)
	return st, nil
}

func setRecordError(rec *storage.Operation, info *ErrorInfo) {
	if info == nil {
		rec.ErrorStage, rec.ErrorKind, rec.ErrorMessage = "", "", ""
		return
	}
	rec.ErrorStage = string(info.Stage)
	rec.ErrorKind = string(info.Kind)
	rec.ErrorMessage = info.Message
}
