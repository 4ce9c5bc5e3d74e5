package fate

import (
	"runtime"
	"time"
)

// Config holds the recognized FATE configuration options from spec §6.
type Config struct {
	// PollInitialDelay is how long a worker waits before its first poll
	// for runnable transactions after Fate starts.
	PollInitialDelay time.Duration
	// PollMinInterval and PollMaxInterval bound the idle backoff: if a
	// pass finds no work, a worker sleeps min(PollMinInterval*2^k,
	// PollMaxInterval), resetting k on any successful reservation.
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
	// MaxDeferred names the cap of the in-memory deferred map (see
	// deferred.go). Fate does not read this field: the cap in effect is the
	// maxDeferred passed to the store's constructor.
	MaxDeferred int
	// WorkerPoolSize is the number of worker goroutines. Hot-reloadable:
	// changes take effect between iterations, never mid-step.
	WorkerPoolSize int
	// ShutdownGrace is a grace period for shutdown. Fate does not read this
	// field: Fate.Shutdown takes its grace period as an argument.
	ShutdownGrace time.Duration
}

// DefaultConfig returns a Config with the defaults named in spec §6.
func DefaultConfig() Config {
	return Config{
		PollInitialDelay: 500 * time.Millisecond,
		PollMinInterval:  250 * time.Millisecond,
		PollMaxInterval:  30 * time.Second,
		MaxDeferred:      10,
		WorkerPoolSize:   runtime.NumCPU(),
		ShutdownGrace:    30 * time.Second,
	}
}
