package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Errors
var (
	// ErrConfirmationTimeout means no receipt was seen before the deadline.
	// The on-chain outcome is unknown, not failed.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrTrackingCancelled means the caller stopped tracking. The outcome
	// is unknown.
	ErrTrackingCancelled = errors.New("tracking cancelled")
)

// Poller performs a single receipt query. *Relay satisfies it.
type Poller interface {
	PollReceipt(ctx context.Context, handle common.Hash) (*Receipt, error)
}

// TrackConfig is the polling policy.
type TrackConfig struct {
	// Interval between attempts. The first attempt fires one interval in.
	Interval time.Duration
	// Timeout bounds the whole tracking run.
	Timeout time.Duration
	// AttemptTimeout bounds a single attempt. Defaults to Interval.
	AttemptTimeout time.Duration
}

// DefaultTrackConfig returns the documented 10s / 120s policy.
func DefaultTrackConfig() TrackConfig {
	return TrackConfig{
		Interval: config.DefaultPollInterval,
		Timeout:  config.DefaultConfirmationTimeout,
	}
}

func (c TrackConfig) withDefaults() TrackConfig {
	d := DefaultTrackConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = c.Interval
	}
	return c
}

// Result is the outcome of a tracking run.
type Result struct {
	Receipt  *Receipt
	Attempts int
	Elapsed  time.Duration
}

type attemptResult struct {
	attempt int
	receipt *Receipt
	err     error
}

// Tracker polls for receipts with a bounded loop.
type Tracker struct {
	poller Poller
	cfg    TrackConfig
	log    *logging.Logger
}

// NewTracker creates a tracker with a default policy.
func NewTracker(poller Poller, cfg TrackConfig) *Tracker {
	return &Tracker{
		poller: poller,
		cfg:    cfg.withDefaults(),
		log:    logging.GetDefault().Component("tracker"),
	}
}

// Config returns the tracker's policy.
func (t *Tracker) Config() TrackConfig {
	return t.cfg
}

// Track polls until a receipt is observed or the timeout elapses. Each
// attempt runs on its own goroutine under a per-attempt deadline so a slow
// attempt never delays the next tick. Cancelling ctx stops polling with
// ErrTrackingCancelled; in-flight attempts are abandoned.
func (t *Tracker) Track(ctx context.Context, handle common.Hash) (Result, error) {
	return t.TrackWith(ctx, handle, t.cfg)
}

// TrackWith is Track with an explicit policy.
func (t *Tracker) TrackWith(ctx context.Context, handle common.Hash, cfg TrackConfig) (Result, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	results := make(chan attemptResult)
	attempts := 0

	for {
		select {
		case <-runCtx.Done():
			res := Result{Attempts: attempts, Elapsed: time.Since(start)}
			if ctx.Err() != nil {
				t.log.Info("Tracking cancelled", "handle", handle.Hex(), "attempts", attempts)
				return res, fmt.Errorf("%w: %w", ErrTrackingCancelled, ctx.Err())
			}
			t.log.Warn("No receipt before timeout", "handle", handle.Hex(), "attempts", attempts, "timeout", cfg.Timeout)
			return res, fmt.Errorf("%w: %s after %d attempts", ErrConfirmationTimeout, handle.Hex(), attempts)

		case <-ticker.C:
			attempts++
			go t.attempt(runCtx, handle, attempts, cfg.AttemptTimeout, results)

		case r := <-results:
			if r.err != nil {
				t.log.Debug("Receipt poll failed", "handle", handle.Hex(), "attempt", r.attempt, "error", r.err)
				continue
			}
			if r.receipt == nil {
				continue
			}
			t.log.Info("Operation confirmed", "handle", handle.Hex(), "attempt", r.attempt, "success", r.receipt.Success)
			return Result{Receipt: r.receipt, Attempts: r.attempt, Elapsed: time.Since(start)}, nil
		}
	}
}

func (t *Tracker) attempt(ctx context.Context, handle common.Hash, n int, timeout time.Duration, out chan<- attemptResult) {
	if ctx.Err() != nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, err := t.poller.PollReceipt(actx, handle)
	select {
	case out <- attemptResult{attempt: n, receipt: rec, err: err}:
	case <-ctx.Done():
	}
}
