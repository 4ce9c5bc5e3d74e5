package fate

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// LockProvider supplies the process-wide cluster lock identity. Its value
// changes whenever this process loses and later reacquires the cluster
// lock. Fate.New accepts one, but reservations are recorded under the lock
// id a store was constructed with, and Store.Recover decides which owners
// are dead through the isLive callback given to Fate.Start; a change of this
// value does not invalidate reservations already held.
type LockProvider interface {
	LockID() string
}

// StaticLockID is a LockProvider with a fixed identity, suitable for
// single-process embedding and tests.
type StaticLockID string

func (s StaticLockID) LockID() string { return string(s) }

// reservationManager enforces at-most-one-worker-per-process-per-FateId.
// The durable store's (lock-id, serial) CAS already isolates across
// processes, but every worker in this process shares the same lock id, so
// cross-process isolation alone cannot stop two local workers from racing
// to claim the same row; this local map is the missing piece.
type reservationManager[T any] struct {
	lock   LockProvider
	store  Store[T]
	logger Logger
	local  *xsync.MapOf[FateId, struct{}]
}

func newReservationManager[T any](lock LockProvider, store Store[T], logger Logger) *reservationManager[T] {
	if logger == nil {
		logger = NopLogger{}
	}
	return &reservationManager[T]{
		lock:   lock,
		store:  store,
		logger: logger,
		local:  xsync.NewMapOf[FateId, struct{}](),
	}
}

// tryAcquire attempts to locally and then durably reserve id. ok is false
// (with a nil error) if another local worker or another process already
// holds it.
func (m *reservationManager[T]) tryAcquire(ctx context.Context, id FateId) (tx ReservedTx[T], ok bool, err error) {
	if _, loaded := m.local.LoadOrStore(id, struct{}{}); loaded {
		return nil, false, nil
	}

	tx, err = m.store.TryReserve(ctx, id)
	if err != nil {
		m.local.Delete(id)
		if err == ErrBusy {
			return nil, false, nil
		}
		return nil, false, err
	}
	return tx, true, nil
}

// acquire blocks, with a small polling backoff, until id can be reserved or
// ctx is done. It is what the public API uses for one-shot mutations (seed,
// cancel, delete) that race against the scheduler's own passes rather than
// holding a long-lived reservation across a step loop.
func (m *reservationManager[T]) acquire(ctx context.Context, id FateId) (ReservedTx[T], error) {
	wait := time.Millisecond
	for {
		tx, ok, err := m.tryAcquire(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < 50*time.Millisecond {
			wait *= 2
		}
	}
}

// release durably unreserves tx — clearing its (lock-id, serial) tuple so
// any owner can TryReserve/Reserve the row again — and only then drops the
// local claim, allowing other local workers to consider it. Spec §4.4 names
// "release the reservation" at NEW dispatch, on deferral, and on step
// failure/success; skipping the durable half here is what previously left
// every reserved row permanently unreservable after one pass.
func (m *reservationManager[T]) release(ctx context.Context, tx ReservedTx[T]) {
	if tx == nil {
		return
	}
	id := tx.ID()
	if err := tx.Unreserve(ctx); err != nil {
		m.logger.Warnf("unreserve %s: %v", id, err)
	}
	m.local.Delete(id)
}
