// Package file provides a JSON-file-per-transaction fate.Store, generalizing
// the teacher's FileStore[T] (one os.WriteFile/os.ReadFile/os.Remove per
// saga id, under a single sync.Mutex) from a single opaque state blob to
// FATE's row/stack/reservation shape. Unlike store/memory, steps are
// persisted opaquely by name and payload and reconstructed through a
// StepRegistry, since a live Go value cannot survive a process restart.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wcstore/fate"
)

type persistedStep struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type persistedRow struct {
	ID          string                 `json:"id"`
	Status      fate.TStatus           `json:"status"`
	Stack       []persistedStep        `json:"stack"`
	Info        map[fate.TxInfoKey]any `json:"info"`
	Exception   *fate.ExceptionRecord  `json:"exception,omitempty"`
	Reservation fate.Reservation       `json:"reservation"`
}

type row[T any] struct {
	id        fate.FateId
	status    fate.TStatus
	stack     []fate.Repo[T]
	info      map[fate.TxInfoKey]any
	exception *fate.ExceptionRecord
	res       fate.Reservation
	deleted   bool
}

// Store is a fate.Store[T] that persists every mutation as a JSON file
// under basePath, named by FateId. Concurrency control mirrors store/memory
// (a single process mutex plus a reservation serial); the file is the
// durability and external-inspection substrate, not an independent
// concurrency domain.
type Store[T any] struct {
	mu       sync.Mutex
	basePath string
	lockID   string
	serial   int64
	registry *fate.StepRegistry[T]
	deferred *fate.DeferredIndex
	rows     map[fate.FateId]*row[T]
}

// New opens (creating if necessary) a file store rooted at basePath,
// loading any rows already present from a prior process. registry is used
// to reconstruct persisted steps by name; it must have every step type the
// caller pushes registered before New is called with an existing basePath.
func New[T any](basePath, lockID string, maxDeferred int, registry *fate.StepRegistry[T]) (*Store[T], error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("fate/store/file: create base directory: %w", err)
	}
	s := &Store[T]{
		basePath: basePath,
		lockID:   lockID,
		registry: registry,
		deferred: fate.NewDeferredIndex(maxDeferred),
		rows:     make(map[fate.FateId]*row[T]),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store[T]) filename(id fate.FateId) string {
	return filepath.Join(s.basePath, id.String()+".json")
}

func (s *Store[T]) loadAll() error {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return fmt.Errorf("fate/store/file: read base directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		idStr := entry.Name()[:len(entry.Name())-len(".json")]
		id, err := fate.ParseFateId(idStr)
		if err != nil {
			continue
		}
		r, err := s.readRow(id)
		if err != nil {
			return err
		}
		s.rows[id] = r
	}
	return nil
}

func (s *Store[T]) readRow(id fate.FateId) (*row[T], error) {
	data, err := os.ReadFile(s.filename(id))
	if err != nil {
		return nil, fmt.Errorf("fate/store/file: read %s: %w", id, err)
	}
	var p persistedRow
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("fate/store/file: decode %s: %w", id, err)
	}
	stack := make([]fate.Repo[T], 0, len(p.Stack))
	for _, ps := range p.Stack {
		step, err := s.registry.Decode(ps.Name, ps.Payload)
		if err != nil {
			return nil, fmt.Errorf("fate/store/file: decode step %q for %s: %w", ps.Name, id, err)
		}
		stack = append(stack, step)
	}
	return &row[T]{
		id:        id,
		status:    p.Status,
		stack:     stack,
		info:      p.Info,
		exception: p.Exception,
		res:       p.Reservation,
	}, nil
}

// writeLocked persists r to disk. Caller must hold s.mu.
func (s *Store[T]) writeLocked(r *row[T]) error {
	p := persistedRow{
		ID:          r.id.String(),
		Status:      r.status,
		Info:        r.info,
		Exception:   r.exception,
		Reservation: r.res,
	}
	for _, step := range r.stack {
		payload, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("fate/store/file: marshal step %q: %w", step.Name(), err)
		}
		p.Stack = append(p.Stack, persistedStep{Name: step.Name(), Payload: payload})
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("fate/store/file: marshal row %s: %w", r.id, err)
	}
	if err := os.WriteFile(s.filename(r.id), data, 0644); err != nil {
		return fmt.Errorf("fate/store/file: write %s: %w", r.id, err)
	}
	return nil
}

func (s *Store[T]) removeLocked(id fate.FateId) error {
	if err := os.Remove(s.filename(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fate/store/file: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store[T]) LockID() string { return s.lockID }

func (s *Store[T]) Create(ctx context.Context) (fate.FateId, error) {
	id := fate.NewFateId()
	r := &row[T]{id: id, status: fate.NEW, info: make(map[fate.TxInfoKey]any)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(r); err != nil {
		return fate.FateId{}, err
	}
	s.rows[id] = r
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
	if err := s.writeLocked(r); err != nil {
		r.res = fate.Reservation{}
		return nil, err
	}
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
			if err := s.writeLocked(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func viewLocked[T any](r *row[T]) fate.TxView {
	names := make([]string, len(r.stack))
	for i, step := range r.stack {
		names[i] = step.Name()
	}
	return fate.TxView{
		ID:          r.id,
		Status:      r.status,
		OpTag:       fate.OpTag(asString(r.info[fate.TxInfoFateOp])),
		TxName:      asString(r.info[fate.TxInfoTxName]),
		AutoClean:   asBool(r.info[fate.TxInfoAutoClean]),
		Exception:   r.exception,
		ReturnValue: r.info[fate.TxInfoReturnValue],
		StepNames:   names,
		Reservation: r.res,
	}
}

// asString and asBool tolerate values that round-tripped through JSON (and
// so lost their original Go type, e.g. fate.OpTag decoding as plain
// string) as well as freshly-set, still concretely-typed values.
func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fate.OpTag:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return ""
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// reservedTx is the mutating capability returned by Reserve/TryReserve,
// persisting every mutation to disk before returning.
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
	return t.store.writeLocked(r)
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
	return t.store.writeLocked(r)
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
	return t.store.writeLocked(r)
}

func (t *reservedTx[T]) SetTransactionInfo(ctx context.Context, key fate.TxInfoKey, val any) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, err := t.validateLocked()
	if err != nil {
		return err
	}
	r.info[key] = val
	return t.store.writeLocked(r)
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
	return t.store.writeLocked(r)
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
	return t.store.removeLocked(t.id)
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
	return t.store.writeLocked(r)
}
