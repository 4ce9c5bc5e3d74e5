package fate

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal Store[T] stub exercising only TryReserve, enough
// to test reservationManager's local-claim layer in isolation from any
// real backend.
type fakeStore struct {
	busy map[FateId]bool
}

func (f *fakeStore) TryReserve(ctx context.Context, id FateId) (ReservedTx[int], error) {
	if f.busy[id] {
		return nil, ErrBusy
	}
	return &fakeReservedTx{id: id}, nil
}

// fakeReservedTx is a no-op ReservedTx[int], just enough for release to have
// something to call Unreserve on.
type fakeReservedTx struct {
	id FateId
}

func (t *fakeReservedTx) ID() FateId                                  { return t.id }
func (t *fakeReservedTx) Unreserve(ctx context.Context) error         { return nil }
func (t *fakeReservedTx) GetStatus(context.Context) (TStatus, error)  { panic("unused") }
func (t *fakeReservedTx) SetStatus(context.Context, TStatus) error    { panic("unused") }
func (t *fakeReservedTx) GetStack(context.Context) ([]Repo[int], error) {
	panic("unused")
}
func (t *fakeReservedTx) Push(context.Context, Repo[int]) error { panic("unused") }
func (t *fakeReservedTx) Pop(context.Context) error             { panic("unused") }
func (t *fakeReservedTx) SetTransactionInfo(context.Context, TxInfoKey, any) error {
	panic("unused")
}
func (t *fakeReservedTx) GetTransactionInfo(context.Context, TxInfoKey) (any, bool, error) {
	panic("unused")
}
func (t *fakeReservedTx) SetException(context.Context, *ExceptionRecord) error { panic("unused") }
func (t *fakeReservedTx) GetException(context.Context) (*ExceptionRecord, error) {
	panic("unused")
}
func (t *fakeReservedTx) Defer(context.Context, time.Duration) error { panic("unused") }
func (t *fakeReservedTx) Delete(context.Context) error               { panic("unused") }

func (f *fakeStore) Create(ctx context.Context) (FateId, error) { panic("unused") }
func (f *fakeStore) List(ctx context.Context, filter ListFilter) iter.Seq[TxView] {
	panic("unused")
}
func (f *fakeStore) GetView(ctx context.Context, id FateId) (TxView, error) { panic("unused") }
func (f *fakeStore) Reserve(ctx context.Context, id FateId) (ReservedTx[int], error) {
	panic("unused")
}
func (f *fakeStore) Runnable(ctx context.Context, keepWaiting func() bool) iter.Seq[FateId] {
	panic("unused")
}
func (f *fakeStore) GetDeferredCount() int    { return 0 }
func (f *fakeStore) IsDeferredOverflow() bool { return false }
func (f *fakeStore) Recover(ctx context.Context, isLive func(string) bool) error { return nil }
func (f *fakeStore) LockID() string                                             { return "test-lock" }

func TestReservationManagerLocalExclusion(t *testing.T) {
	store := &fakeStore{busy: map[FateId]bool{}}
	mgr := newReservationManager[int](StaticLockID("test-lock"), store, NopLogger{})
	id := NewFateId()

	tx1, ok1, err := mgr.tryAcquire(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok1, "first local claim should succeed")

	_, ok2, err := mgr.tryAcquire(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok2, "second local claim on the same id must fail while the first is held")

	mgr.release(context.Background(), tx1)

	_, ok3, err := mgr.tryAcquire(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok3, "claim should succeed again after release")
}

func TestReservationManagerStoreBusy(t *testing.T) {
	id := NewFateId()
	store := &fakeStore{busy: map[FateId]bool{id: true}}
	mgr := newReservationManager[int](StaticLockID("test-lock"), store, NopLogger{})

	_, ok, err := mgr.tryAcquire(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "a store-level busy result must not leave a stale local claim")

	// The local claim must have been rolled back so a later caller isn't
	// stuck behind a reservation that never actually took.
	store.busy[id] = false
	_, ok2, err := mgr.tryAcquire(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok2)
}
