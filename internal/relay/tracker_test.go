package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// scriptedPoller returns a receipt from the given call onwards. Calls
// listed in block hang until their context is done.
type scriptedPoller struct {
	confirmAt int32
	block     map[int32]bool
	calls     atomic.Int32
	onCall    func(n int32)

	mu      sync.Mutex
	handles []common.Hash
}

func (p *scriptedPoller) PollReceipt(ctx context.Context, handle common.Hash) (*Receipt, error) {
	n := p.calls.Add(1)
	p.mu.Lock()
	p.handles = append(p.handles, handle)
	p.mu.Unlock()
	if p.onCall != nil {
		p.onCall(n)
	}
	if p.block[n] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.confirmAt > 0 && n >= p.confirmAt {
		return &Receipt{UserOpHash: handle, Success: true}, nil
	}
	return nil, nil
}

func fastConfig() TrackConfig {
	return TrackConfig{Interval: 10 * time.Millisecond, Timeout: time.Second}
}

func TestTrackConfirmsOnThirdAttempt(t *testing.T) {
	p := &scriptedPoller{confirmAt: 3}
	handle := common.HexToHash("0xabc")

	res, err := NewTracker(p, fastConfig()).Track(context.Background(), handle)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if res.Receipt == nil || res.Receipt.UserOpHash != handle {
		t.Errorf("receipt = %+v", res.Receipt)
	}
	// The first attempt fires one interval after submission.
	if res.Elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %s, want at least 3 intervals", res.Elapsed)
	}
}

func TestTrackTimeout(t *testing.T) {
	p := &scriptedPoller{}
	cfg := TrackConfig{Interval: 10 * time.Millisecond, Timeout: 55 * time.Millisecond}

	res, err := NewTracker(p, cfg).Track(context.Background(), common.HexToHash("0x1"))
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if errors.Is(err, ErrTrackingCancelled) {
		t.Error("timeout reported as cancellation")
	}
	if res.Receipt != nil {
		t.Error("timeout carried a receipt")
	}
	if res.Attempts < 1 || res.Attempts > 6 {
		t.Errorf("attempts = %d, want between 1 and 6", res.Attempts)
	}
}

func TestTrackSlowAttemptDoesNotDelaySchedule(t *testing.T) {
	// Attempt 1 hangs past the next tick; attempt 2 confirms.
	p := &scriptedPoller{confirmAt: 2, block: map[int32]bool{1: true}}
	cfg := TrackConfig{Interval: 10 * time.Millisecond, Timeout: time.Second, AttemptTimeout: 500 * time.Millisecond}

	res, err := NewTracker(p, cfg).Track(context.Background(), common.HexToHash("0x2"))
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if res.Elapsed >= 500*time.Millisecond {
		t.Errorf("elapsed = %s, slow attempt blocked the schedule", res.Elapsed)
	}
}

func TestTrackAttemptTimeout(t *testing.T) {
	// Every attempt hangs; each is abandoned at its own deadline.
	p := &scriptedPoller{block: map[int32]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true, 8: true}, confirmAt: 9}
	cfg := TrackConfig{Interval: 10 * time.Millisecond, Timeout: 60 * time.Millisecond, AttemptTimeout: 5 * time.Millisecond}

	_, err := NewTracker(p, cfg).Track(context.Background(), common.HexToHash("0x3"))
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestTrackCancelStopsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPoller{}
	p.onCall = func(n int32) {
		if n == 2 {
			cancel()
		}
	}

	_, err := NewTracker(p, fastConfig()).Track(ctx, common.HexToHash("0x4"))
	if !errors.Is(err, ErrTrackingCancelled) {
		t.Fatalf("expected ErrTrackingCancelled, got %v", err)
	}

	seen := p.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if after := p.calls.Load(); after != seen {
		t.Errorf("polling continued after cancel: %d -> %d calls", seen, after)
	}
}

func TestTrackDefaults(t *testing.T) {
	tr := NewTracker(&scriptedPoller{}, TrackConfig{})
	cfg := tr.Config()
	if cfg.Interval != 10*time.Second {
		t.Errorf("interval = %s, want 10s", cfg.Interval)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("timeout = %s, want 120s", cfg.Timeout)
	}
	if cfg.AttemptTimeout != cfg.Interval {
		t.Errorf("attempt timeout = %s, want interval", cfg.AttemptTimeout)
	}
}
