package fate

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StepDecoder reconstructs a concrete Repo[T] from its persisted payload.
type StepDecoder[T any] func(data []byte) (Repo[T], error)

// StepRegistry maps a step's stable Name() to the decode function needed to
// reconstruct it from storage after a crash or restart. Saga construction
// is dynamic (steps push whatever comes next at runtime), so a store that
// persists steps opaquely needs this to recover a concrete type from a bare
// name — the same problem the teacher's ActionRegistry solves for its DAG
// actions.
type StepRegistry[T any] struct {
	decoders *xsync.MapOf[string, StepDecoder[T]]
}

// NewStepRegistry creates an empty StepRegistry.
func NewStepRegistry[T any]() *StepRegistry[T] {
	return &StepRegistry[T]{decoders: xsync.NewMapOf[string, StepDecoder[T]]()}
}

// Register adds a step's decode function under its stable name. Returns an
// error if the name is already registered.
func (r *StepRegistry[T]) Register(name string, decode StepDecoder[T]) error {
	if _, exists := r.decoders.Load(name); exists {
		return fmt.Errorf("fate: step %q already registered", name)
	}
	r.decoders.Store(name, decode)
	return nil
}

// Decode reconstructs the step registered under name from data.
func (r *StepRegistry[T]) Decode(name string, data []byte) (Repo[T], error) {
	decode, ok := r.decoders.Load(name)
	if !ok {
		return nil, fmt.Errorf("fate: no step registered with name %q", name)
	}
	return decode(data)
}
