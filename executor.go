package fate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// scheduler is the worker pool that drives transactions through their step
// stack. It is the generalization of the teacher's single-DAG
// SagaExecutor.Execute loop into a long-lived pool repeatedly polling a
// durable store for runnable ids (spec §4.4).
type scheduler[T any] struct {
	cfg     Config
	store   Store[T]
	env     T
	logger  Logger
	metrics *metricsRegistry
	resv    *reservationManager[T]
	clock   Clock
	notify  func(FateId, TStatus)

	poolSize atomic.Int64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

func newScheduler[T any](cfg Config, store Store[T], env T, resv *reservationManager[T], logger Logger, metrics *metricsRegistry, notify func(FateId, TStatus)) *scheduler[T] {
	s := &scheduler[T]{
		cfg:     cfg,
		store:   store,
		env:     env,
		logger:  logger,
		metrics: metrics,
		resv:    resv,
		clock:   SystemClock{},
		notify:  notify,
		stopCh:  make(chan struct{}),
	}
	s.poolSize.Store(int64(cfg.WorkerPoolSize))
	return s
}

// setPoolSize changes the number of workers. Taking effect happens between
// iterations of each worker's loop, never mid-step, per spec §5.
func (s *scheduler[T]) setPoolSize(n int) {
	s.poolSize.Store(int64(n))
}

// start launches the initial pool and a small resizing supervisor that
// spins up additional workers as poolSize grows. Workers exit on their own
// when poolSize shrinks or ctx is cancelled.
func (s *scheduler[T]) start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	active := atomic.Int64{}
	launch := func(id int64) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer active.Add(-1)
			s.runWorker(ctx, id)
		}()
		active.Add(1)
	}

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				want := s.poolSize.Load()
				// Ordinals are taken from the live count so that workers
				// added after a shrink fall inside the new pool size.
				for n := active.Load(); n < want; n++ {
					launch(n)
				}
			}
		}
	}()
}

// wait blocks until every launched worker has returned.
func (s *scheduler[T]) wait() {
	s.wg.Wait()
}

// stop signals every worker to exit after its current iteration.
func (s *scheduler[T]) stop() {
	close(s.stopCh)
}

func (s *scheduler[T]) runWorker(ctx context.Context, workerID int64) {
	select {
	case <-time.After(s.cfg.PollInitialDelay):
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	}

	backoff := s.cfg.PollMinInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Respect a hot-reloaded shrink: if this worker's ordinal is no
		// longer within the configured pool size, exit between
		// iterations rather than mid-step.
		if workerID >= s.poolSize.Load() {
			return
		}

		foundWork := false
		for id := range s.store.Runnable(ctx, func() bool { return ctx.Err() == nil }) {
			tx, ok, err := s.resv.tryAcquire(ctx, id)
			if err != nil {
				s.logger.Warnf("reserve %s: %v", id, err)
				continue
			}
			if !ok {
				continue
			}
			foundWork = true
			s.process(ctx, tx)
			s.resv.release(ctx, tx)
		}

		if foundWork {
			backoff = s.cfg.PollMinInterval
			continue
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
		backoff *= 2
		if backoff > s.cfg.PollMaxInterval {
			backoff = s.cfg.PollMaxInterval
		}
	}
}

// process dispatches a reserved transaction by status, per spec §4.4 step 2.
func (s *scheduler[T]) process(ctx context.Context, tx ReservedTx[T]) {
	status, err := tx.GetStatus(ctx)
	if err != nil {
		s.logger.Warnf("get status %s: %v", tx.ID(), err)
		return
	}

	switch status {
	case NEW:
		// Not yet seeded; nothing to do.
		return
	case SUBMITTED:
		if err := tx.SetStatus(ctx, IN_PROGRESS); err != nil {
			s.logger.Warnf("advance %s to IN_PROGRESS: %v", tx.ID(), err)
			return
		}
		s.notify(tx.ID(), IN_PROGRESS)
		s.runStepLoop(ctx, tx)
	case IN_PROGRESS:
		s.runStepLoop(ctx, tx)
	case FAILED_IN_PROGRESS:
		s.runCompensationLoop(ctx, tx)
	case SUCCESSFUL, FAILED:
		s.maybeAutoDelete(ctx, tx)
	}
}

// runStepLoop drives the step stack forward until it empties (success),
// the top step defers, or a step fails (falls through to compensation).
func (s *scheduler[T]) runStepLoop(ctx context.Context, tx ReservedTx[T]) {
	id := tx.ID()
	for {
		stack, err := tx.GetStack(ctx)
		if err != nil {
			s.logger.Warnf("get stack %s: %v", id, err)
			return
		}
		if len(stack) == 0 {
			if err := tx.SetStatus(ctx, SUCCESSFUL); err != nil {
				s.logger.Warnf("finalize %s: %v", id, err)
				return
			}
			s.notify(id, SUCCESSFUL)
			s.maybeAutoDelete(ctx, tx)
			return
		}

		top := stack[len(stack)-1]

		delay, err := top.IsReady(ctx, id, s.env)
		if err != nil {
			s.fail(ctx, tx, newStepError(IsReadyFailed, top.Name(), err))
			return
		}
		if delay > 0 {
			if err := tx.Defer(ctx, delay); err != nil {
				s.logger.Warnf("defer %s: %v", id, err)
			}
			return
		}

		start := s.clock.Now()
		next, err := top.Call(ctx, id, s.env)
		s.metrics.record(top.Name(), s.clock.Now().Sub(start))
		if err != nil {
			s.fail(ctx, tx, newStepError(CallFailed, top.Name(), err))
			return
		}

		if next != nil {
			if err := tx.Push(ctx, next); err != nil {
				s.logger.Warnf("push %s: %v", id, err)
				return
			}
			continue
		}

		if err := tx.SetTransactionInfo(ctx, TxInfoReturnValue, top.ReturnValue()); err != nil {
			s.logger.Warnf("record return value %s: %v", id, err)
		}
		if err := tx.Pop(ctx); err != nil {
			s.logger.Warnf("pop %s: %v", id, err)
			return
		}
	}
}

// fail records the original exception, transitions to FAILED_IN_PROGRESS,
// and runs compensation. The exception surfaced later is this one, never a
// subsequent undo failure.
func (s *scheduler[T]) fail(ctx context.Context, tx ReservedTx[T], stepErr *StepError) {
	id := tx.ID()
	if err := tx.SetException(ctx, &ExceptionRecord{
		StepName: stepErr.StepName,
		Message:  stepErr.Error(),
		At:       s.clock.Now(),
	}); err != nil {
		s.logger.Warnf("record exception %s: %v", id, err)
	}
	if err := tx.SetStatus(ctx, FAILED_IN_PROGRESS); err != nil {
		s.logger.Warnf("mark %s FAILED_IN_PROGRESS: %v", id, err)
		return
	}
	s.notify(id, FAILED_IN_PROGRESS)
	s.runCompensationLoop(ctx, tx)
}

// runCompensationLoop undoes the step stack in strict reverse-push order.
// Undo failures are logged but never halt compensation (spec §4.5, §7).
func (s *scheduler[T]) runCompensationLoop(ctx context.Context, tx ReservedTx[T]) {
	id := tx.ID()
	for {
		stack, err := tx.GetStack(ctx)
		if err != nil {
			s.logger.Warnf("get stack %s during compensation: %v", id, err)
			return
		}
		if len(stack) == 0 {
			break
		}
		top := stack[len(stack)-1]
		if err := top.Undo(ctx, id, s.env); err != nil {
			s.logger.Warnf("undo %s/%s failed: %v", id, top.Name(), newStepError(UndoFailed, top.Name(), err))
		}
		if err := tx.Pop(ctx); err != nil {
			s.logger.Warnf("pop during compensation %s: %v", id, err)
			return
		}
	}

	if err := tx.SetStatus(ctx, FAILED); err != nil {
		s.logger.Warnf("finalize %s as FAILED: %v", id, err)
		return
	}
	s.notify(id, FAILED)
	s.maybeAutoDelete(ctx, tx)
}

func (s *scheduler[T]) maybeAutoDelete(ctx context.Context, tx ReservedTx[T]) {
	val, ok, err := tx.GetTransactionInfo(ctx, TxInfoAutoClean)
	if err != nil {
		s.logger.Warnf("read auto-clean %s: %v", tx.ID(), err)
		return
	}
	if !ok {
		return
	}
	auto, _ := val.(bool)
	if !auto {
		return
	}
	id := tx.ID()
	if err := tx.Delete(ctx); err != nil {
		s.logger.Warnf("auto-delete %s: %v", id, err)
		return
	}
	s.notify(id, UNKNOWN)
}
