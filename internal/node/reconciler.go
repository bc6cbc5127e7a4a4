package node

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/klingon-exchange/ankh/internal/relay"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Journal is the slice of storage the reconciler works on.
type Journal interface {
	GetUnresolvedOperations(limit, offset int) ([]*storage.Operation, error)
	MarkStaleAwaiting() (int64, error)
	SaveOperation(op *storage.Operation) error
}

// DefaultReconcilerConfig returns the default sweep policy.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Enabled:      true,
		Interval:     time.Minute,
		BatchSize:    50,
		QueryTimeout: 10 * time.Second,
	}
}

// Reconciler resolves journaled operations whose outcome is unknown. Each
// sweep queries the relay once per operation; it never resubmits and never
// touches session balances.
type Reconciler struct {
	journal Journal
	poller  relay.Poller
	config  ReconcilerConfig
	log     *logging.Logger

	// offset pages through unresolved operations across sweeps so rows
	// that never confirm cannot hold back newer ones.
	mu     sync.Mutex
	offset int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler.
func NewReconciler(journal Journal, poller relay.Poller, cfg ReconcilerConfig) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		journal: journal,
		poller:  poller,
		config:  cfg,
		log:     logging.GetDefault().Component("reconciler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start recovers operations a previous process left awaiting, then sweeps
// periodically in the background.
func (r *Reconciler) Start() {
	if n, err := r.journal.MarkStaleAwaiting(); err != nil {
		r.log.Warn("Failed to recover stale operations", "error", err)
	} else if n > 0 {
		r.log.Info("Recovered operations from previous run", "count", n)
	}

	r.wg.Add(1)
	go r.run()
	r.log.Info("Reconciler started", "interval", r.config.Interval)
}

// Stop stops the background sweep and waits for it to exit.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
	r.log.Info("Reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.Sweep(r.ctx)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep checks the next batch of unresolved operations and returns how
// many were resolved. Successive sweeps walk the whole backlog, oldest
// first, and wrap around after the last page.
func (r *Reconciler) Sweep(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, err := r.journal.GetUnresolvedOperations(r.config.BatchSize, r.offset)
	if err != nil {
		r.log.Warn("Failed to load unresolved operations", "error", err)
		return 0
	}
	if len(ops) == 0 {
		r.offset = 0
		return 0
	}
	r.log.Debug("Reconciling operations", "count", len(ops), "offset", r.offset)

	resolved, checked := 0, 0
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		checked++
		if r.reconcile(ctx, op) {
			resolved++
		}
	}

	// Resolved rows leave the result set, so only the rest advance the page.
	if len(ops) < r.config.BatchSize {
		r.offset = 0
	} else {
		r.offset += checked - resolved
	}
	if resolved > 0 {
		r.log.Info("Recorded late confirmations", "count", resolved)
	}
	return resolved
}

func (r *Reconciler) reconcile(ctx context.Context, op *storage.Operation) bool {
	raw, err := hexutil.Decode(op.Handle)
	if err != nil || len(raw) != common.HashLength {
		r.log.Debug("Operation has no usable handle", "id", op.ID, "handle", op.Handle)
		return false
	}

	qctx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	receipt, err := r.poller.PollReceipt(qctx, common.BytesToHash(raw))
	cancel()
	if err != nil {
		r.log.Debug("Receipt query failed", "id", op.ID, "error", err)
		return false
	}
	if receipt == nil {
		return false
	}

	success := receipt.Success
	op.State = storage.OperationConfirmed
	op.Success = &success
	op.Reason = receipt.Reason
	op.TxHash = receipt.Receipt.TransactionHash.Hex()
	op.ErrorStage = ""
	op.ErrorKind = ""
	op.ErrorMessage = ""
	if err := r.journal.SaveOperation(op); err != nil {
		r.log.Warn("Failed to record confirmation", "id", op.ID, "error", err)
		return false
	}
	r.log.Info("Late confirmation", "id", op.ID, "handle", op.Handle, "success", success)
	return true
}
