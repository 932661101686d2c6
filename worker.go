// Copyright 2026 The Chainwork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chainwork

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainwork/chainwork/internal/breaker"
	"github.com/chainwork/chainwork/internal/xerrors"
)

// errWorkerStopping is the cancellation cause Stop() attaches to every
// in-flight dispatch context, distinct from ErrLeaseLost so dispatch
// can tell a stop-triggered cancellation from a lost lease.
var errWorkerStopping = errors.New("chainwork: worker stopping")

// HandlerContext is what a Handler is invoked with (§4.4 "Dispatch
// modes"). Context is canceled when the worker is stopping, or when a
// lease renewal fails because another owner (or the reaper) has taken
// the job over — cooperative handlers should watch it.
type HandlerContext struct {
	Context context.Context
	Job     *Job

	worker *Worker
}

// Complete is the completion hook (§4.5): the handler calls it exactly
// once with the side-effecting/validating function that produces the
// attempt's outcome. Whether the handler performs its side effects
// before calling Complete ("staged", the default) or entirely inside
// userFn ("atomic", so a rollback undoes them too) is simply a matter
// of where the handler puts that code — Go closures make a separate
// "prepare" call unnecessary.
func (hc *HandlerContext) Complete(userFn func(tx TxContext) (AttemptOutcome, error)) error {
	w := hc.worker
	return Complete(hc.Context, w.store, w.fabric, w.registry, w.hooks, hc.Job.ID, w.cfg.WorkerID, userFn)
}

// Handler processes one attempt of a job of a given type.
type Handler func(hc *HandlerContext) error

// WorkerConfig parameterizes a Worker (§4.4).
type WorkerConfig struct {
	// Types is the set of job type names this worker serves.
	Types []string
	// Handlers maps each served type to its Handler.
	Handlers map[string]Handler

	Lease     LeaseConfig
	Retry     RetryConfig
	LoopRetry RetryConfig

	// Concurrency bounds the number of attempts dispatched at once.
	Concurrency int

	// PollIntervalMs bounds how long the main loop ever waits without a
	// notification or a known next-available time.
	PollIntervalMs int64

	// JitterMs is applied to sleeps in the main loop to avoid
	// synchronized wakeups across a worker fleet.
	JitterMs int64

	// ReapIntervalMs sets the reaper cadence; it should be <= the
	// smallest LeaseMs in play across the fleet (§4.4 "Reaper").
	ReapIntervalMs int64

	// WorkerID identifies this worker to the store; generated if empty.
	WorkerID string

	// IsTransient classifies an adapter error as retryable at the loop
	// boundary (§7 "Store transient errors"). Defaults to IsTransient
	// from errors.go (StoreError.Transient).
	IsTransient func(error) bool

	// Breaker parameterizes the circuit breaker wrapped around the
	// store calls on the polling/acquire path, so a store that starts
	// failing outright trips the circuit instead of being hammered by
	// every worker's retry loop. Zero value takes breaker.New's own
	// defaults.
	Breaker breaker.Config
}

func (cfg *WorkerConfig) setDefaults() {
	if cfg.Lease.LeaseMs == 0 {
		cfg.Lease = DefaultLeaseConfig()
	}
	if cfg.Retry.InitialMs == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.LoopRetry.InitialMs == 0 {
		cfg.LoopRetry = DefaultRetryConfig()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 5000
	}
	if cfg.ReapIntervalMs <= 0 {
		cfg.ReapIntervalMs = cfg.Lease.LeaseMs
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.IsTransient == nil {
		cfg.IsTransient = IsTransient
	}
}

// Worker polls, acquires, and dispatches jobs of its configured types,
// renewing leases heartbeat-style and completing or rescheduling each
// attempt (§4.4).
type Worker struct {
	store    Store
	fabric   NotifyFabric
	registry *Registry
	hooks    Hooks
	cfg      WorkerConfig
	breaker  *breaker.Breaker

	sem chan struct{}
	wg  sync.WaitGroup

	stop chan struct{}
	once sync.Once

	dispatchMu      sync.Mutex
	dispatchCancels map[int]context.CancelCauseFunc
	nextDispatchID  int
}

// NewWorker builds a Worker. cfg's zero-valued fields are filled with
// §4.2's defaults.
func NewWorker(store Store, fabric NotifyFabric, registry *Registry, hooks Hooks, cfg WorkerConfig) *Worker {
	cfg.setDefaults()
	return &Worker{
		store:           store,
		fabric:          fabric,
		registry:        registry,
		hooks:           hooks,
		cfg:             cfg,
		breaker:         breaker.New(cfg.Breaker),
		sem:             make(chan struct{}, cfg.Concurrency),
		stop:            make(chan struct{}),
		dispatchCancels: make(map[int]context.CancelCauseFunc),
	}
}

// Stop requests the worker to stop. It cancels in-flight handlers (via
// their HandlerContext.Context), waits for lease renewals to settle,
// and only returns once every dispatch has released (§5
// "Cancellation").
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.dispatchMu.Lock()
		for _, cancel := range w.dispatchCancels {
			cancel(errWorkerStopping)
		}
		w.dispatchMu.Unlock()
	})
	w.wg.Wait()
}

func (w *Worker) trackDispatch(cancel context.CancelCauseFunc) int {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()
	id := w.nextDispatchID
	w.nextDispatchID++
	w.dispatchCancels[id] = cancel
	return id
}

func (w *Worker) untrackDispatch(id int) {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()
	delete(w.dispatchCancels, id)
}

// Run drives the main loop until ctx is done or Stop is called (§4.4).
func (w *Worker) Run(ctx context.Context) error {
	w.hooks.emit(Event{Type: EventWorkerStarted, Level: LevelInfo, Message: "worker started", Data: map[string]any{"workerId": w.cfg.WorkerID}})
	defer w.hooks.emit(Event{Type: EventWorkerStopped, Level: LevelInfo, Message: "worker stopped", Data: map[string]any{"workerId": w.cfg.WorkerID}})

	wake := make(chan struct{}, 1)
	var unsubscribe func()
	if w.fabric != nil {
		unsub, err := w.fabric.ListenJobScheduled(ctx, w.cfg.Types, func(typeName string, count int) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err == nil {
			unsubscribe = unsub
		} else {
			w.hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "worker: listen job-scheduled failed, polling only", Err: err})
		}
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	reapStop := make(chan struct{})
	reapDone := make(chan struct{})
	go func() {
		defer close(reapDone)
		w.reapLoop(ctx, reapStop)
	}()
	defer func() {
		close(reapStop)
		<-reapDone
	}()

	loopRetryAttempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		default:
		}

		var nextMs int64
		err := w.breaker.Do(func() error {
			var callErr error
			nextMs, callErr = w.store.GetNextJobAvailableInMs(ctx, w.cfg.Types)
			return callErr
		}, w.cfg.IsTransient)
		if err != nil {
			if breaker.IsOpen(err) || w.cfg.IsTransient(err) {
				loopRetryAttempt++
				w.hooks.emit(Event{Type: EventWorkerError, Level: LevelWarn, Message: "transient error polling next-available", Err: err})
				if waitErr := sleep(ctx, Backoff(loopRetryAttempt, w.cfg.LoopRetry), w.cfg.JitterMs); waitErr != nil {
					return nil
				}
				continue
			}
			w.hooks.emit(Event{Type: EventWorkerError, Level: LevelError, Message: "fatal error polling next-available", Err: err})
			return err
		}
		loopRetryAttempt = 0

		waitMs := w.cfg.PollIntervalMs
		if nextMs >= 0 && nextMs < waitMs {
			waitMs = nextMs
		}

		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.stop:
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}

		w.acquireAndDispatch(ctx)
	}
}

func (w *Worker) acquireAndDispatch(ctx context.Context) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	case <-w.stop:
		return
	}

	var job *Job
	err := w.breaker.Do(func() error {
		var callErr error
		job, callErr = w.store.AcquireJob(ctx, w.cfg.Types, w.cfg.WorkerID, w.cfg.Lease.LeaseMs)
		return callErr
	}, w.cfg.IsTransient)
	if err != nil {
		<-w.sem
		w.hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "acquire failed", Err: err})
		return
	}
	if job == nil {
		<-w.sem
		return
	}

	w.hooks.emit(Event{Type: EventJobAttemptStarted, Level: LevelInfo, Message: "job attempt started", Data: map[string]any{"jobId": job.ID, "typeName": job.TypeName, "attempt": job.Attempt}})
	w.hooks.gauge("idle", job.TypeName, -1)
	w.hooks.gauge("processing", job.TypeName, 1)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		defer w.hooks.gauge("processing", job.TypeName, -1)
		defer w.hooks.gauge("idle", job.TypeName, 1)
		w.dispatch(ctx, job)
	}()
}

func (w *Worker) dispatch(ctx context.Context, job *Job) {
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	dispatchID := w.trackDispatch(cancel)
	defer w.untrackDispatch(dispatchID)

	renewStop := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLoop(hctx, cancel, job, renewStop)
	}()
	defer func() {
		close(renewStop)
		<-renewDone
	}()

	start := time.Now()
	handler, ok := w.cfg.Handlers[job.TypeName]
	var err error
	if !ok {
		err = &RegistryError{Code: ErrUnknownType, TypeName: job.TypeName, Detail: "no handler registered for this type on this worker"}
	} else {
		hc := &HandlerContext{Context: hctx, Job: job, worker: w}
		err = handler(hc)
	}
	w.hooks.duration("job_attempt", time.Since(start), map[string]string{"typeName": job.TypeName})

	if err == nil {
		return
	}

	if errors.Is(err, ErrLeaseLost) || errors.Is(context.Cause(hctx), ErrLeaseLost) {
		w.hooks.emit(Event{Type: EventLeaseLost, Level: LevelInfo, Message: "lease lost during attempt", Data: map[string]any{"jobId": job.ID}})
		return
	}
	if hctx.Err() != nil && ctx.Err() == nil {
		// Canceled by worker stop, not by lease loss: release and let a
		// future reap put the job back into circulation (§4.4 table).
		return
	}

	if Fatal(err) {
		w.completeWithFatalError(ctx, job, err)
		return
	}

	w.reschedule(ctx, job, err)
}

func (w *Worker) renewLoop(ctx context.Context, cancel context.CancelCauseFunc, job *Job, stop <-chan struct{}) {
	interval := time.Duration(w.cfg.Lease.RenewIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.store.RenewJobLease(ctx, job.ID, w.cfg.WorkerID, w.cfg.Lease.LeaseMs); err != nil {
			cancel(ErrLeaseLost)
			return
		}
	}
}

func (w *Worker) reschedule(ctx context.Context, job *Job, cause error) {
	attempt := job.Attempt
	delayMs := Backoff(attempt, w.cfg.Retry)
	scheduledAt := time.Now().Add(time.Duration(delayMs) * time.Millisecond)

	err := w.store.RescheduleJob(ctx, RescheduleJobParams{
		JobID:       job.ID,
		WorkerID:    w.cfg.WorkerID,
		ScheduledAt: scheduledAt,
		Error:       truncateError(cause),
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return
		}
		w.hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "reschedule failed", Err: err, Data: map[string]any{"jobId": job.ID}})
		return
	}

	w.hooks.emit(Event{Type: EventJobFailed, Level: LevelWarn, Message: "attempt failed, rescheduled", Err: cause, Data: map[string]any{"jobId": job.ID, "typeName": job.TypeName, "attempt": attempt, "delayMs": delayMs}})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		sleepCtx, cancelSleep := context.WithCancel(ctx)
		defer cancelSleep()
		go func() {
			select {
			case <-w.stop:
				cancelSleep()
			case <-sleepCtx.Done():
			}
		}()
		if sleepErr := sleep(sleepCtx, delayMs, w.cfg.JitterMs); sleepErr != nil {
			return
		}
		_ = WithNotifyContext(ctx, w.fabric, w.hooks, func(ctx context.Context) error {
			notifyJobScheduled(ctx, w.fabric, w.hooks, job.TypeName, 1)
			return nil
		})
	}()
}

func (w *Worker) completeWithFatalError(ctx context.Context, job *Job, cause error) {
	err := WithNotifyContext(ctx, w.fabric, w.hooks, func(ctx context.Context) error {
		return w.store.RunInTransaction(ctx, func(tx TxContext) error {
			current, err := w.store.GetJobByID(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if current == nil || current.Status != StatusRunning || current.LeasedBy != w.cfg.WorkerID {
				return ErrLeaseLost
			}

			if err := w.store.CompleteJob(ctx, tx, CompleteJobParams{
				JobID:      job.ID,
				WorkerID:   w.cfg.WorkerID,
				FatalError: truncateError(cause),
			}); err != nil {
				return err
			}

			notifyChainCompleted(ctx, w.fabric, w.hooks, job.ChainID)
			newlyPending, err := w.store.ScheduleBlockedJobs(ctx, tx, job.ChainID)
			if err != nil {
				return err
			}
			for _, pj := range newlyPending {
				notifyJobScheduled(ctx, w.fabric, w.hooks, pj.TypeName, 1)
			}
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, ErrLeaseLost) {
			w.hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "fatal-error completion failed", Err: err, Data: map[string]any{"jobId": job.ID}})
		}
		return
	}
	w.hooks.emit(Event{Type: EventJobFailed, Level: LevelError, Message: "attempt failed fatally, completed with error", Err: cause, Data: map[string]any{"jobId": job.ID, "typeName": job.TypeName}})
}

func (w *Worker) reapLoop(ctx context.Context, stop <-chan struct{}) {
	interval := time.Duration(w.cfg.ReapIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.reapOnce(ctx)
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	reaped, err := w.store.RemoveExpiredJobLease(ctx)
	if err != nil {
		w.hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "reap failed", Err: err})
		return
	}
	if len(reaped) == 0 {
		return
	}
	_ = WithNotifyContext(ctx, w.fabric, w.hooks, func(ctx context.Context) error {
		for _, r := range reaped {
			w.hooks.emit(Event{Type: EventJobReaped, Level: LevelWarn, Message: "lease expired, job reaped", Data: map[string]any{"jobId": r.JobID, "typeName": r.TypeName, "attempt": r.Attempt}})
			notifyOwnershipLost(ctx, w.fabric, w.hooks, r.JobID)
			notifyJobScheduled(ctx, w.fabric, w.hooks, r.TypeName, 1)
		}
		return nil
	})
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	return xerrors.Truncate(err.Error())
}
