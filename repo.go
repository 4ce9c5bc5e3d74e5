package fate

import (
	"context"
	"time"
)

// Repo is a single step of a transaction. The engine only ever calls these
// five methods; it never inspects a step's internal data. T is the
// embedding system's environment type, passed through to every call.
type Repo[T any] interface {
	// IsReady reports readiness. A zero duration means run now; a positive
	// duration defers this step for at least that long before it is tried
	// again.
	IsReady(ctx context.Context, id FateId, env T) (time.Duration, error)

	// Call executes the step. Returning a non-nil next step pushes it onto
	// the stack; returning nil pops this step as successfully completed.
	Call(ctx context.Context, id FateId, env T) (Repo[T], error)

	// Undo compensates this step's side effects. It must be idempotent:
	// the engine may call it even for a step whose Call never ran, if the
	// step had already been pushed (see IsReady-failure handling).
	Undo(ctx context.Context, id FateId, env T) error

	// ReturnValue is the opaque success payload. Only meaningful for the
	// terminal step of a successful transaction.
	ReturnValue() any

	// Name is a stable identifying string for this step, used both for
	// logging/metrics and to recover the step's decode function from a
	// StepRegistry after a restart.
	Name() string
}
