package fate

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"
)

// Fate is the public entry point: the durable, crash-recoverable
// transaction engine. One Fate instance owns one Store, one worker pool,
// and one shared environment value passed to every step.
type Fate[T any] struct {
	store    Store[T]
	env      T
	cfg      Config
	logger   Logger
	metrics  *metricsRegistry
	resv     *reservationManager[T]
	sched    *scheduler[T]
	registry *StepRegistry[T]

	waitMu  sync.Mutex
	waiters map[FateId][]chan TStatus

	runCancel context.CancelFunc
}

// New constructs a Fate engine over store, sharing env across every step
// invocation. lock and registry are kept by the engine but not handed to
// the store: reservations are recorded under the lock id the store was
// constructed with, and a store that decodes persisted steps (store/file)
// uses the registry it was constructed with.
func New[T any](cfg Config, store Store[T], env T, lock LockProvider, registry *StepRegistry[T], logger Logger) *Fate[T] {
	if logger == nil {
		logger = NopLogger{}
	}
	f := &Fate[T]{
		store:    store,
		env:      env,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetricsRegistry(),
		resv:     newReservationManager[T](lock, store, logger),
		registry: registry,
		waiters:  make(map[FateId][]chan TStatus),
	}
	f.sched = newScheduler[T](cfg, store, env, f.resv, logger, f.metrics, f.broadcast)
	return f
}

// Start recovers rows orphaned by a dead owner and launches the worker
// pool. isLive reports whether a lock id still belongs to a live process;
// pass a function that always returns true if ownership never changes
// lock ids within this Store's lifetime.
func (f *Fate[T]) Start(ctx context.Context, isLive func(lockID string) bool) error {
	if err := f.store.Recover(ctx, isLive); err != nil {
		return fmt.Errorf("fate: recover: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.runCancel = cancel
	f.sched.start(runCtx)
	return nil
}

// Shutdown stops accepting new reservations and waits up to grace for
// in-flight steps to reach a safe yield point. If the workers have not all
// returned by then, it cancels the context passed to every step and waits,
// with no further limit, for them to return. Steps are expected to observe
// ctx cancellation and return ErrInterrupted promptly; Shutdown does not
// forcibly kill goroutines.
func (f *Fate[T]) Shutdown(grace time.Duration) error {
	f.sched.stop()
	if f.runCancel == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		f.sched.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		f.runCancel()
		<-done
	}
	return nil
}

// SetWorkerPoolSize hot-reloads the worker count; see Config.WorkerPoolSize.
func (f *Fate[T]) SetWorkerPoolSize(n int) {
	f.sched.setPoolSize(n)
}

// StartTransaction allocates a new, unseeded transaction in status NEW.
func (f *Fate[T]) StartTransaction(ctx context.Context) (FateId, error) {
	return f.store.Create(ctx)
}

// SeedTransaction assigns an operation tag and initial step to a
// freshly-started transaction, moving it from NEW to SUBMITTED where the
// scheduler will pick it up.
//
// If id is no longer in NEW, this is not automatically an error: a retry
// with arguments identical to whatever last seeded the row (same op, step
// name, and reason) is treated as the idempotent no-op spec §4.3 requires.
// A row that was never actually seeded — most commonly because Cancel raced
// ahead of the caller and already moved it to FAILED_IN_PROGRESS before the
// first seed arrived — is also a no-op, since the transaction is already on
// its way to a terminal status regardless of what would have been seeded
// (spec scenario S2). Any other non-NEW call — a genuine conflicting
// re-seed — fails with StateError{WrongStatus}.
func (f *Fate[T]) SeedTransaction(ctx context.Context, id FateId, op OpTag, step Repo[T], autoClean bool, reason string) error {
	tx, err := f.resv.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer f.resv.release(ctx, tx)

	status, err := tx.GetStatus(ctx)
	if err != nil {
		return err
	}
	if status != NEW {
		seeded, identical, err := f.seedMatches(ctx, tx, op, step, reason)
		if err != nil {
			return err
		}
		if !seeded || identical {
			return nil
		}
		return newStateError(WrongStatus, "cannot seed %s: already seeded with a different operation (current status %s)", id, status)
	}

	if err := tx.Push(ctx, step); err != nil {
		return err
	}
	if err := tx.SetTransactionInfo(ctx, TxInfoFateOp, op); err != nil {
		return err
	}
	if err := tx.SetTransactionInfo(ctx, TxInfoAutoClean, autoClean); err != nil {
		return err
	}
	if err := tx.SetTransactionInfo(ctx, TxInfoTxName, reason); err != nil {
		return err
	}
	if err := tx.SetTransactionInfo(ctx, TxInfoSeedStepName, step.Name()); err != nil {
		return err
	}
	if err := tx.SetStatus(ctx, SUBMITTED); err != nil {
		return err
	}
	f.broadcast(id, SUBMITTED)
	return nil
}

// seedMatches reports whether tx was ever actually seeded (seeded), and if
// so whether op/step/reason are identical to what was originally recorded
// (identical). It reads TxInfoSeedStepName rather than the live step stack
// because the stack empties once the transaction completes, while the seed
// arguments must still be comparable after that point.
func (f *Fate[T]) seedMatches(ctx context.Context, tx ReservedTx[T], op OpTag, step Repo[T], reason string) (seeded, identical bool, err error) {
	gotOp, ok, err := tx.GetTransactionInfo(ctx, TxInfoFateOp)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, nil
	}
	storedOp, _ := gotOp.(OpTag)

	gotReason, _, err := tx.GetTransactionInfo(ctx, TxInfoTxName)
	if err != nil {
		return true, false, err
	}
	storedReason, _ := gotReason.(string)

	gotStepName, _, err := tx.GetTransactionInfo(ctx, TxInfoSeedStepName)
	if err != nil {
		return true, false, err
	}
	storedStepName, _ := gotStepName.(string)

	identical = storedOp == op && storedReason == reason && storedStepName == step.Name()
	return true, identical, nil
}

// Cancel attempts to short-circuit a transaction before it starts running.
// It returns true if the transaction is now guaranteed to finish without
// running any step's Call, or was already terminal (a no-op). It returns
// false if the transaction is already reserved by the scheduler — i.e. a
// step may already be in flight — in which case Cancel has no effect and
// the transaction must run to its natural conclusion.
func (f *Fate[T]) Cancel(ctx context.Context, id FateId) (bool, error) {
	tx, ok, err := f.resv.tryAcquire(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer f.resv.release(ctx, tx)

	status, err := tx.GetStatus(ctx)
	if err != nil {
		return false, err
	}

	switch status {
	case NEW, SUBMITTED:
		if err := tx.SetException(ctx, &ExceptionRecord{Message: "cancelled", At: time.Now()}); err != nil {
			return false, err
		}
		if err := tx.SetStatus(ctx, FAILED_IN_PROGRESS); err != nil {
			return false, err
		}
		f.broadcast(id, FAILED_IN_PROGRESS)
		return true, nil
	case SUCCESSFUL, FAILED, UNKNOWN:
		return true, nil
	default:
		return false, nil
	}
}

// WaitForCompletion blocks until id reaches a terminal status (SUCCESSFUL
// or FAILED), or ctx is done.
func (f *Fate[T]) WaitForCompletion(ctx context.Context, id FateId) (TStatus, error) {
	view, err := f.store.GetView(ctx, id)
	if err != nil {
		return UNKNOWN, err
	}
	if view.Status.IsTerminal() {
		return view.Status, nil
	}

	ch := make(chan TStatus, 1)
	f.waitMu.Lock()
	f.waiters[id] = append(f.waiters[id], ch)
	f.waitMu.Unlock()

	// Re-check after registering, in case the transition happened between
	// the read above and registration.
	view, err = f.store.GetView(ctx, id)
	if err != nil {
		return UNKNOWN, err
	}
	if view.Status.IsTerminal() {
		return view.Status, nil
	}

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return UNKNOWN, ctx.Err()
	}
}

// broadcast notifies every waiter registered for id when its status
// changes to a terminal value, then clears them.
func (f *Fate[T]) broadcast(id FateId, status TStatus) {
	if !status.IsTerminal() {
		return
	}
	f.waitMu.Lock()
	chans := f.waiters[id]
	delete(f.waiters, id)
	f.waitMu.Unlock()

	for _, ch := range chans {
		ch <- status
	}
}

// GetException returns the recorded failure for id, or nil if none.
func (f *Fate[T]) GetException(ctx context.Context, id FateId) (*ExceptionRecord, error) {
	view, err := f.store.GetView(ctx, id)
	if err != nil {
		return nil, err
	}
	return view.Exception, nil
}

// GetStatus returns the current status of id.
func (f *Fate[T]) GetStatus(ctx context.Context, id FateId) (TStatus, error) {
	view, err := f.store.GetView(ctx, id)
	if err != nil {
		return UNKNOWN, err
	}
	return view.Status, nil
}

// GetView returns a read-only snapshot of id.
func (f *Fate[T]) GetView(ctx context.Context, id FateId) (TxView, error) {
	return f.store.GetView(ctx, id)
}

// List returns a lazy sequence of transaction views matching filter.
func (f *Fate[T]) List(ctx context.Context, filter ListFilter) iter.Seq[TxView] {
	return f.store.List(ctx, filter)
}

// Delete removes a terminal transaction's row. Non-terminal ids fail with
// StateError{WrongStatus}.
func (f *Fate[T]) Delete(ctx context.Context, id FateId) error {
	tx, err := f.resv.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer f.resv.release(ctx, tx)

	status, err := tx.GetStatus(ctx)
	if err != nil {
		return err
	}
	if !status.IsTerminal() {
		return newStateError(WrongStatus, "cannot delete %s in status %s", id, status)
	}
	if err := tx.Delete(ctx); err != nil {
		return err
	}
	f.broadcast(id, UNKNOWN)
	return nil
}

// StepStats returns recent Call latency stats for a step name.
func (f *Fate[T]) StepStats(stepName string) (StepLatencyStats, bool) {
	return f.metrics.Stats(stepName)
}

// DeferredCount returns the number of ids currently held in the store's
// deferred map.
func (f *Fate[T]) DeferredCount() int {
	return f.store.GetDeferredCount()
}

// IsDeferredOverflow reports whether the store's deferred map has
// overflowed max_deferred.
func (f *Fate[T]) IsDeferredOverflow() bool {
	return f.store.IsDeferredOverflow()
}
