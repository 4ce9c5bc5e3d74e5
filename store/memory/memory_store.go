// Package memory provides an in-process fate.Store backed by a plain Go
// map guarded by a mutex, generalizing the teacher's MemoryStore[T] (a
// map[string]*State[T] under sync.RWMutex) to FATE's row/stack/reservation
// shape instead of a single saga blob.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/wcstore/fate"
)

type row[T any] struct {
	id        fate.FateId
	status    fate.TStatus
	stack     []fate.Repo[T]
	info      map[fate.TxInfoKey]any
	exception *fate.ExceptionRecord
	res       fate.Reservation
	deleted   bool
}

// Store is an in-process fate.Store[T]. Steps are held as live Go values
// on the stack, so unlike Store (file), it never needs a StepRegistry to
// reconstruct them; it does not itself survive a process restart.
type Store[T any] struct {
	mu       sync.Mutex
	rows     map[fate.FateId]*row[T]
	lockID   string
	serial   int64
	deferred *fate.DeferredIndex
}

// New creates an empty in-process Store. lockID is this process's
// reservation identity; maxDeferred bounds the deferred map.
func New[T any](lockID string, maxDeferred int) *Store[T] {
	return &Store[T]{
		rows:     make(map[fate.FateId]*row[T]),
		lockID:   lockID,
		deferred: fate.NewDeferredIndex(maxDeferred),
	}
}

func (s *Store[T]) LockID() string { return s.lockID }

func (s *Store[T]) Create(ctx context.Context) (fate.FateId, error) {
	id := fate.NewFateId()
	s.mu.Lock()
	s.rows[id] = &row[T]{id: id, status: fate.NEW, info: make(map[fate.TxInfoKey]any)}
	s.mu.Unlock()
	return id, nil
}

func (s *Store[T]) GetView(ctx context.Context, id fate.FateId) (fate.TxView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.deleted {
		return fate.TxView{}, &fate.StoreError{Kind: fate.StoreNotFound, Err: fmt.Errorf("fate id %s not found", id)}
	}
	return viewLocked(r), nil
}

func (s *Store[T]) List(ctx context.Context, filter fate.ListFilter) iter.Seq[fate.TxView] {
	s.mu.Lock()
	views := make([]fate.TxView, 0, len(s.rows))
	for _, r := range s.rows {
		if r.deleted {
			continue
		}
		views = append(views, viewLocked(r))
	}
	s.mu.Unlock()

	return func(yield func(fate.TxView) bool) {
		for _, v := range views {
			if !filter.Matches(v) {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

func (s *Store[T]) Reserve(ctx context.Context, id fate.FateId) (fate.ReservedTx[T], error) {
	wait := time.Millisecond
	for {
		tx, err := s.TryReserve(ctx, id)
		if err == nil {
			return tx, nil
		}
		if err != fate.ErrBusy {
			return nil, err
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

func (s *Store[T]) TryReserve(ctx context.Context, id fate.FateId) (fate.ReservedTx[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.deleted {
		return nil, &fate.StoreError{Kind: fate.StoreNotFound, Err: fmt.Errorf("fate id %s not found", id)}
	}
	if !r.res.IsZero() {
		return nil, fate.ErrBusy
	}
	s.serial++
	r.res = fate.Reservation{LockID: s.lockID, Serial: s.serial}
	return &reservedTx[T]{store: s, id: id, serial: s.serial}, nil
}

func (s *Store[T]) Runnable(ctx context.Context, keepWaiting func() bool) iter.Seq[fate.FateId] {
	s.mu.Lock()
	candidates := make([]fate.FateId, 0, len(s.rows))
	for id, r := range s.rows {
		if r.deleted {
			continue
		}
		switch r.status {
		case fate.NEW, fate.SUBMITTED, fate.IN_PROGRESS, fate.FAILED_IN_PROGRESS:
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()

	return func(yield func(fate.FateId) bool) {
		now := time.Now()
		for _, id := range candidates {
			if !keepWaiting() {
				return
			}
			if s.deferred.IsDeferred(id, now) {
				continue
			}
			if !yield(id) {
				return
			}
		}
		s.deferred.MarkPassComplete()
	}
}

func (s *Store[T]) GetDeferredCount() int    { return s.deferred.Count() }
func (s *Store[T]) IsDeferredOverflow() bool { return s.deferred.Overflow() }

func (s *Store[T]) Recover(ctx context.Context, isLive func(lockID string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.res.IsZero() {
			continue
		}
		if !isLive(r.res.LockID) {
			r.res = fate.Reservation{}
		}
	}
	return nil
}

func viewLocked[T any](r *row[T]) fate.TxView {
	names := make([]string, len(r.stack))
	for i, step := range r.stack {
		names[i] = step.Name()
	}
	op, _ := r.info[fate.TxInfoFateOp].(fate.OpTag)
	name, _ := r.info[fate.TxInfoTxName].(string)
	auto, _ := r.info[fate.TxInfoAutoClean].(bool)
	retVal := r.info[fate.TxInfoReturnValue]
	return fate.TxView{
		ID:          r.id,
		Status:      r.status,
		OpTag:       op,
		TxName:      name,
		AutoClean:   auto,
		Exception:   r.exception,
		ReturnValue: retVal,
		StepNames:   names,
		Reservation: r.res,
	}
}

// reservedTx is the mutating capability returned by Reserve/TryReserve. It
// is bound to the serial assigned at reservation time and refuses every
// operation once that serial no longer matches the row (a newer owner
// reclaimed it) or the row has been deleted.
type reservedTx[T any] struct {
	store  *Store[T]
	id     fate.FateId
	serial int64
}

func (t *reservedTx[T]) ID() fate.FateId { return t.id }

func (t *reservedTx[T]) validateLocked() (*row[T], error) {
	r, ok := t.store.rows[t.id]
	if !ok || r.deleted {
		return nil, &fate.StateError{Kind: fate.Deleted, Err: fmt.Errorf("fate id %s deleted", t.id)}
	}
	if r.res.LockID != t.store.lockID || r.res.Serial != t.serial {
		return nil, &fate.StateError{Kind: fate.LostReservation, Err: fmt.Errorf("%w: %s", fate.ErrNotReserved, t.id)}
	}
	return r, nil
}

func (t *reservedTx[T]) GetStatus(ctx context.Context) (fate.TStatus, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return fate.UNKNOWN, err
	}
	return r.status, nil
}

func (t *reservedTx[T]) SetStatus(ctx context.Context, s fate.TStatus) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	if !fate.ValidTransition(r.status, s) {
		return &fate.StateError{Kind: fate.WrongStatus, Err: fmt.Errorf("illegal transition %s -> %s", r.status, s)}
	}
	r.status = s
	return nil
}

func (t *reservedTx[T]) GetStack(ctx context.Context) ([]fate.Repo[T], error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return nil, err
	}
	return append([]fate.Repo[T](nil), r.stack...), nil
}

func (t *reservedTx[T]) Push(ctx context.Context, step fate.Repo[T]) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	r.stack = append(r.stack, step)
	return nil
}

func (t *reservedTx[T]) Pop(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	if len(r.stack) == 0 {
		return &fate.StateError{Kind: fate.WrongStatus, Err: fmt.Errorf("fate id %s: pop of empty stack", t.id)}
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

func (t *reservedTx[T]) SetTransactionInfo(ctx context.Context, key fate.TxInfoKey, val any) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	r.info[key] = val
	return nil
}

func (t *reservedTx[T]) GetTransactionInfo(ctx context.Context, key fate.TxInfoKey) (any, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return nil, false, err
	}
	val, ok := r.info[key]
	return val, ok, nil
}

func (t *reservedTx[T]) SetException(ctx context.Context, exc *fate.ExceptionRecord) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	r.exception = exc
	return nil
}

func (t *reservedTx[T]) GetException(ctx context.Context) (*fate.ExceptionRecord, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return nil, err
	}
	return r.exception, nil
}

func (t *reservedTx[T]) Defer(ctx context.Context, delay time.Duration) error {
	t.store.mu.Lock()
	_, err := t.validateLocked()
	t.store.mu.Unlock()
	if err != nil {
		return err
	}
	t.store.deferred.Defer(t.id, time.Now().Add(delay))
	return nil
}

func (t *reservedTx[T]) Delete(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	r.deleted = true
	t.store.deferred.Remove(t.id)
	return nil
}

func (t *reservedTx[T]) Unreserve(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.rows[t.id]
	if !ok || r.deleted {
		return nil
	}
	if r.res.LockID != t.store.lockID || r.res.Serial != t.serial {
		// Already reclaimed by a newer owner (or never held by us);
		// nothing for this holder to release.
		return nil
	}
	r.res = fate.Reservation{}
	return nil
}
