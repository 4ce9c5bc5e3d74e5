package file

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcstore/fate"
)

type greetStep struct {
	Greeting string `json:"greeting"`
}

func (s *greetStep) IsReady(context.Context, fate.FateId, int) (time.Duration, error) {
	return 0, nil
}
func (s *greetStep) Call(context.Context, fate.FateId, int) (fate.Repo[int], error) { return nil, nil }
func (s *greetStep) Undo(context.Context, fate.FateId, int) error                   { return nil }
func (s *greetStep) ReturnValue() any                                              { return s.Greeting }
func (s *greetStep) Name() string                                                  { return "greetStep" }

func decodeGreetStep(data []byte) (fate.Repo[int], error) {
	var s greetStep
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func newRegistry(t *testing.T) *fate.StepRegistry[int] {
	t.Helper()
	reg := fate.NewStepRegistry[int]()
	require.NoError(t, reg.Register("greetStep", decodeGreetStep))
	return reg
}

func TestFileStoreCreateAndReserve(t *testing.T) {
	ctx := context.Background()
	store, err := New[int](t.TempDir(), "lock-a", 10, newRegistry(t))
	require.NoError(t, err)

	id, err := store.Create(ctx)
	require.NoError(t, err)

	view, err := store.GetView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fate.NEW, view.Status)

	tx, err := store.TryReserve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, tx.ID())

	_, err = store.TryReserve(ctx, id)
	assert.Equal(t, fate.ErrBusy, err)
}

func TestFileStoreStackAndStatus(t *testing.T) {
	ctx := context.Background()
	store, err := New[int](t.TempDir(), "lock-a", 10, newRegistry(t))
	require.NoError(t, err)
	id, _ := store.Create(ctx)
	tx, err := store.TryReserve(ctx, id)
	require.NoError(t, err)

	require.NoError(t, tx.Push(ctx, &greetStep{Greeting: "hello"}))
	stack, err := tx.GetStack(ctx)
	require.NoError(t, err)
	require.Len(t, stack, 1)
	assert.Equal(t, "greetStep", stack[0].Name())

	require.NoError(t, tx.SetStatus(ctx, fate.SUBMITTED))
	err = tx.SetStatus(ctx, fate.SUCCESSFUL)
	assert.Error(t, err, "SUBMITTED -> SUCCESSFUL is not a legal transition")

	require.NoError(t, tx.Pop(ctx))
	stack, err = tx.GetStack(ctx)
	require.NoError(t, err)
	assert.Len(t, stack, 0)
}

func TestFileStoreWriteAfterDelete(t *testing.T) {
	ctx := context.Background()
	store, err := New[int](t.TempDir(), "lock-a", 10, newRegistry(t))
	require.NoError(t, err)
	id, _ := store.Create(ctx)
	tx, err := store.TryReserve(ctx, id)
	require.NoError(t, err)
	require.NoError(t, tx.SetStatus(ctx, fate.SUBMITTED))
	require.NoError(t, tx.SetStatus(ctx, fate.IN_PROGRESS))
	require.NoError(t, tx.SetStatus(ctx, fate.SUCCESSFUL))
	require.NoError(t, tx.Delete(ctx))

	_, err = tx.GetStatus(ctx)
	var stateErr *fate.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, fate.Deleted, stateErr.Kind)

	_, err = store.GetView(ctx, id)
	var storeErr *fate.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, fate.StoreNotFound, storeErr.Kind)
}

func TestFileStoreLostReservation(t *testing.T) {
	ctx := context.Background()
	store, err := New[int](t.TempDir(), "lock-a", 10, newRegistry(t))
	require.NoError(t, err)
	id, _ := store.Create(ctx)

	first, err := store.TryReserve(ctx, id)
	require.NoError(t, err)

	require.NoError(t, store.Recover(ctx, func(string) bool { return false }))
	second, err := store.TryReserve(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, second)

	_, err = first.GetStatus(ctx)
	var stateErr *fate.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, fate.LostReservation, stateErr.Kind)
}

// TestFileStoreUnreserve is the regression test for the durable-release
// bug: a row that was reserved and then Unreserve'd must be reservable
// again by a different holder, not stuck busy forever.
func TestFileStoreUnreserve(t *testing.T) {
	ctx := context.Background()
	store, err := New[int](t.TempDir(), "lock-a", 10, newRegistry(t))
	require.NoError(t, err)
	id, err := store.Create(ctx)
	require.NoError(t, err)

	tx, err := store.TryReserve(ctx, id)
	require.NoError(t, err)

	_, err = store.TryReserve(ctx, id)
	assert.Equal(t, fate.ErrBusy, err, "row must be busy while reserved")

	require.NoError(t, tx.Unreserve(ctx))

	second, err := store.TryReserve(ctx, id)
	require.NoError(t, err, "row must be reservable again once durably unreserved")
	assert.Equal(t, id, second.ID())
}

func TestFileStoreRunnableRespectsDeferral(t *testing.T) {
	ctx := context.Background()
	store, err := New[int](t.TempDir(), "lock-a", 10, newRegistry(t))
	require.NoError(t, err)
	id, _ := store.Create(ctx)
	tx, err := store.TryReserve(ctx, id)
	require.NoError(t, err)
	require.NoError(t, tx.SetStatus(ctx, fate.SUBMITTED))
	require.NoError(t, tx.Defer(ctx, time.Hour))

	var seen []fate.FateId
	for runnableID := range store.Runnable(ctx, func() bool { return true }) {
		seen = append(seen, runnableID)
	}
	assert.Empty(t, seen, "a freshly deferred id should not be runnable yet")
	assert.Equal(t, 1, store.GetDeferredCount())
}

// TestFileStorePersistsAcrossRestart mirrors the durability guarantee a
// crash-recoverable store must provide: a fresh Store opened on the same
// basePath reconstructs every row, including its step stack, by decoding
// each step through the registry.
func TestFileStorePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New[int](dir, "lock-a", 10, newRegistry(t))
	require.NoError(t, err)
	id, err := store.Create(ctx)
	require.NoError(t, err)
	tx, err := store.TryReserve(ctx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Push(ctx, &greetStep{Greeting: "bonjour"}))
	require.NoError(t, tx.SetStatus(ctx, fate.SUBMITTED))

	reopened, err := New[int](dir, "lock-a", 10, newRegistry(t))
	require.NoError(t, err)

	view, err := reopened.GetView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fate.SUBMITTED, view.Status)
	require.Len(t, view.StepNames, 1)
	assert.Equal(t, "greetStep", view.StepNames[0])

	// The reservation itself was held by the previous in-memory Store
	// instance, but a restart always implies crash recovery first, so the
	// reopened store should be able to re-reserve it once told the old
	// owner's lock id is no longer live.
	require.NoError(t, reopened.Recover(ctx, func(string) bool { return false }))
	reservedAgain, err := reopened.TryReserve(ctx, id)
	require.NoError(t, err)
	stack, err := reservedAgain.GetStack(ctx)
	require.NoError(t, err)
	require.Len(t, stack, 1)
	assert.Equal(t, "bonjour", stack[0].ReturnValue())
}
