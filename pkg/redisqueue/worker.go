package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Processor runs a job and returns its result.
// The result is stored JSON-encoded; an error fails the attempt.
type Processor func(ctx context.Context, job *Job) (interface{}, error)

// ErrAborted marks a processor error as cancellation.
// Aborted jobs settle immediately without retries.
var ErrAborted = errors.New("job aborted")

// FinishHook is called after an attempt settled in state.
type FinishHook func(job *Job, state State)

// Worker pulls jobs off a queue and runs up to Concurrency of them at once.
type Worker struct {
	Log         *zap.Logger
	Queue       *Queue
	Processor   Processor
	Concurrency int
	OnFinish    FinishHook

	pool        *ants.Pool
	jobCtx      context.Context
	cancelJobs  context.CancelFunc
	cancelFetch context.CancelFunc
	loops       sync.WaitGroup
	inflight    sync.WaitGroup
	started     atomic.Bool
	closed      atomic.Bool
}

// NewWorker creates a stopped worker.
func NewWorker(log *zap.Logger, q *Queue, concurrency int, proc Processor) (*Worker, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("invalid concurrency %d", concurrency)
	}
	if proc == nil {
		return nil, errors.New("nil processor")
	}
	log = log.With(zap.String("queue", q.Name))
	pool, err := ants.NewPool(concurrency, ants.WithPanicHandler(func(p interface{}) {
		log.Error("Job runner panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Worker{
		Log:         log,
		Queue:       q,
		Processor:   proc,
		Concurrency: concurrency,
		pool:        pool,
		jobCtx:      jobCtx,
		cancelJobs:  cancelJobs,
	}, nil
}

// Start spawns the fetch and maintenance loops.
// Can only be called once.
func (w *Worker) Start() {
	if !w.started.CAS(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelFetch = cancel
	w.loops.Add(2)
	go w.fetchLoop(ctx)
	go func() {
		defer w.loops.Done()
		m := Maintainer{Log: w.Log, Queue: w.Queue}
		_ = m.Run(ctx)
	}()
	w.Log.Info("Worker started", zap.Int("concurrency", w.Concurrency))
}

// Close stops fetching and waits for running jobs to settle.
// If ctx expires first, the contexts of running jobs are canceled and ctx.Err() is returned.
// Close is idempotent.
func (w *Worker) Close(ctx context.Context) error {
	if !w.closed.CAS(false, true) {
		return nil
	}
	if w.cancelFetch != nil {
		w.cancelFetch()
	}
	done := make(chan struct{})
	go func() {
		w.loops.Wait()
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancelJobs()
		w.pool.Release()
		w.Log.Info("Worker closed")
		return nil
	case <-ctx.Done():
		w.cancelJobs()
		w.Log.Warn("Worker closed with jobs still running", zap.Int("running", w.pool.Running()))
		return ctx.Err()
	}
}

func (w *Worker) fetchLoop(ctx context.Context) {
	defer w.loops.Done()
	slots := make(chan struct{}, w.Concurrency)
	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.MaxInterval = 5 * time.Second
	errBackoff.MaxElapsedTime = 0
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, err := w.Queue.Fetch(ctx)
		if err != nil || job == nil {
			<-slots
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				retryIn := errBackoff.NextBackOff()
				w.Log.Error("Failed to fetch job", zap.Error(err), zap.Duration("retry_in", retryIn))
				if sleep(ctx, retryIn) != nil {
					return
				}
			}
			continue
		}
		errBackoff.Reset()
		w.inflight.Add(1)
		err = w.pool.Submit(func() {
			defer w.inflight.Done()
			defer func() { <-slots }()
			w.process(job)
		})
		if err != nil {
			// The job stays active without lock renewal; stalled recovery requeues it.
			w.inflight.Done()
			<-slots
			w.Log.Error("Failed to submit job", zap.String("job", job.ID), zap.Error(err))
		}
	}
}

func (w *Worker) process(job *Job) {
	log := w.Log.With(zap.String("job", job.ID), zap.Int("attempt", job.Attempts))
	ctx, cancel := context.WithCancel(w.jobCtx)
	defer cancel()

	lockCtx, stopLock := context.WithCancel(ctx)
	lockDone := make(chan struct{})
	go func() {
		defer close(lockDone)
		w.keepLock(lockCtx, log, job)
	}()
	result, err := w.run(ctx, job)
	stopLock()
	<-lockDone

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSettle()
	state, settleErr := w.settle(settleCtx, job, result, err)
	if settleErr != nil {
		log.Error("Failed to settle job", zap.String("state", string(state)), zap.Error(settleErr))
		return
	}
	switch state {
	case StateCompleted:
		log.Debug("Job completed")
	case StateDelayed:
		log.Info("Job attempt failed, retrying", zap.Error(err))
	default:
		log.Info("Job settled", zap.String("state", string(state)), zap.Error(err))
	}
	if _, err := w.Queue.Trim(settleCtx); err != nil {
		log.Warn("Failed to trim finished jobs", zap.Error(err))
	}
	if w.OnFinish != nil {
		w.OnFinish(job, state)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.Processor(ctx, job)
}

func (w *Worker) settle(ctx context.Context, job *Job, result interface{}, procErr error) (State, error) {
	switch {
	case procErr == nil:
		buf, err := marshalPayload(result)
		if err != nil {
			return StateFailed, w.Queue.Fail(ctx, job, "failed to marshal result: "+err.Error())
		}
		return StateCompleted, w.Queue.Complete(ctx, job, buf)
	case errors.Is(procErr, ErrAborted):
		return StateAborted, w.Queue.Abort(ctx, job, procErr.Error())
	case job.Attempts < job.MaxAttempts:
		return StateDelayed, w.Queue.Retry(ctx, job, procErr.Error(), w.Queue.RetryDelay(job.Attempts))
	default:
		return StateFailed, w.Queue.Fail(ctx, job, procErr.Error())
	}
}

func (w *Worker) keepLock(ctx context.Context, log *zap.Logger, job *Job) {
	interval := w.Queue.Options.LockDuration / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.Queue.ExtendLock(ctx, job)
			if errors.Is(err, ErrLockLost) {
				log.Warn("Job lock lost")
				return
			} else if err != nil && ctx.Err() == nil {
				log.Warn("Failed to extend job lock", zap.Error(err))
			}
		}
	}
}

// RetryDelay returns the delay before the retry following the given attempt (1-based).
func (q *Queue) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.Options.Backoff
	b.MaxInterval = q.Options.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
