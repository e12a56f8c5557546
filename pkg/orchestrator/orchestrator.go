// Package orchestrator runs the queue workers of a worker process.
//
// Booting moves through Initializing (connections, data access, shared
// resources), QueuesReady (one prediction and one upsert queue per org) and
// WorkersRunning (a worker per queue plus an abort listener per org).
// Shutdown runs four bounded stages in order: workers and abort listeners, metrics listener,
// data access and Redis clients, log flush. A stage that times out is logged
// and the next stage proceeds.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.od2.network/orgqueue/pkg/abort"
	"go.od2.network/orgqueue/pkg/cachegc"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/datasource"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.od2.network/orgqueue/pkg/relay"
	"go.od2.network/orgqueue/pkg/resources"
	"go.od2.network/orgqueue/pkg/usage"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds worker process settings.
type Config struct {
	// Concurrency per job type. Job types without an entry run one job at a time.
	Concurrency map[queues.JobType]int

	WorkerCloseTimeout time.Duration
	// Abort listeners stop after the workers drained.
	ListenerCloseTimeout time.Duration
	MetricsCloseTimeout  time.Duration
	DataCloseTimeout    time.Duration
	LogFlushTimeout     time.Duration

	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:         map[queues.JobType]int{},
		WorkerCloseTimeout:   30 * time.Second,
		ListenerCloseTimeout: 2 * time.Second,
		MetricsCloseTimeout:  5 * time.Second,
		DataCloseTimeout:     10 * time.Second,
		LogFlushTimeout:      2 * time.Second,
		CacheSize:            1024,
		CacheTTL:             10 * time.Minute,
	}
}

// ShutdownTimeout is the upper bound of all shutdown stages.
func (c Config) ShutdownTimeout() time.Duration {
	return c.WorkerCloseTimeout + c.ListenerCloseTimeout + c.MetricsCloseTimeout + c.DataCloseTimeout + c.LogFlushTimeout
}

// Orchestrator owns the lifecycle of a worker process.
type Orchestrator struct {
	// Required components
	Log       *zap.Logger
	Config    Config
	Orgs      orgconfig.Provider
	Factory   connections.Factory
	Manager   *queues.Manager
	Executors queues.Executors
	// Optional components
	Data    *datasource.Manager
	Usage   *usage.Tracker
	Metrics Closer
	Flush   func() error

	state   atomic.Int32
	closing atomic.Bool

	res             *resources.Resources
	workers         map[string]*redisqueue.Worker
	cancelListeners context.CancelFunc
	listeners       sync.WaitGroup
}

// Resources returns the shared resources once initialized.
func (o *Orchestrator) Resources() *resources.Resources {
	return o.res
}

// Workers returns the running workers keyed by "<org>-<jobType>".
func (o *Orchestrator) Workers() map[string]*redisqueue.Worker {
	return o.workers
}

// Start boots the process up to WorkersRunning.
// On error the process should be shut down without further steps.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(Idle, Initializing); err != nil {
		return err
	}
	orgIDs := o.Orgs.OrgIDs()
	if len(orgIDs) == 0 {
		return errors.New("no organizations configured")
	}
	if err := o.initialize(ctx, orgIDs); err != nil {
		return err
	}

	if err := o.Manager.SetupQueues(orgIDs, o.res, o.Executors); err != nil {
		return fmt.Errorf("failed to set up queues: %w", err)
	}
	if err := o.transition(Initializing, QueuesReady); err != nil {
		return err
	}

	if err := o.startWorkers(); err != nil {
		return err
	}
	if err := o.startAbortListeners(ctx, orgIDs); err != nil {
		return err
	}
	return o.transition(QueuesReady, WorkersRunning)
}

func (o *Orchestrator) initialize(ctx context.Context, orgIDs []int64) error {
	if err := o.Manager.Initialize(orgIDs, o.Factory); err != nil {
		return err
	}
	if o.Data != nil {
		if sources, ok := o.Orgs.(orgconfig.DataSources); ok {
			if err := o.Data.Open(ctx, orgIDs, sources); err != nil {
				return fmt.Errorf("failed to open data sources: %w", err)
			}
			for _, orgID := range orgIDs {
				err := o.Data.EnsureSchema(ctx, orgID)
				if err != nil && !errors.Is(err, datasource.ErrNoStore) {
					return fmt.Errorf("org %d: failed to set up job runs: %w", orgID, err)
				}
			}
		}
	}
	cache, err := cachegc.NewCache(o.Config.CacheSize, o.Config.CacheTTL)
	if err != nil {
		return err
	}
	o.res = &resources.Resources{
		Components: resources.NewComponents(),
		Cache:      cache,
		Aborts:     abort.NewRegistry(),
		Usage:      o.Usage,
		Data:       o.Data,
		Events:     &relay.Publisher{Clients: o.Manager.Client},
	}
	return nil
}

func (o *Orchestrator) startWorkers() error {
	o.workers = make(map[string]*redisqueue.Worker)
	for _, q := range o.Manager.Queues() {
		key := q.Key()
		if o.Executors[key.Type] == nil {
			o.Log.Warn("No executor for job type, not consuming", zap.String("queue", q.QueueName()))
			continue
		}
		concurrency := o.Config.Concurrency[key.Type]
		if concurrency == 0 {
			concurrency = 1
		}
		worker, err := q.AttachWorker(concurrency)
		if err != nil {
			return fmt.Errorf("failed to start worker of %s: %w", q.QueueName(), err)
		}
		o.workers[key.String()] = worker
		o.Log.Info("Consuming queue",
			zap.String("worker", key.String()),
			zap.String("queue", q.QueueName()),
			zap.Int("concurrency", concurrency))
	}
	return nil
}

// startAbortListeners follows every prediction queue event stream.
// Returns once all listeners are positioned at the stream tail.
func (o *Orchestrator) startAbortListeners(ctx context.Context, orgIDs []int64) error {
	listenCtx, cancel := context.WithCancel(context.Background())
	o.cancelListeners = cancel
	for _, orgID := range orgIDs {
		pq, err := o.Manager.PredictionQueue(orgID)
		if err != nil {
			return err
		}
		listener := pq.AbortListener(o.res.Aborts)
		o.listeners.Add(1)
		go func() {
			defer o.listeners.Done()
			if err := listener.Run(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
				o.Log.Error("Abort listener failed", zap.String("queue", pq.QueueName()), zap.Error(err))
			}
		}()
		select {
		case <-listener.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown stops the process. Only the first call has an effect.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closing.CAS(false, true) {
		return nil
	}
	prev := State(o.state.Swap(int32(ShuttingDown)))
	o.Log.Info("Shutting down", zap.Stringer("from", prev))

	var err error
	// Stage 1: drain workers, then stop the abort listeners.
	// Aborts published while jobs drain still reach them.
	closers := make(map[string]Closer, len(o.workers))
	for name, worker := range o.workers {
		closers[name] = worker
	}
	err = multierr.Append(err, CloseAll(ctx, o.Log, o.Config.WorkerCloseTimeout, closers))
	if o.cancelListeners != nil {
		err = multierr.Append(err, RunStage(ctx, o.Log, "abort-listeners", o.Config.ListenerCloseTimeout, func(context.Context) error {
			o.cancelListeners()
			o.listeners.Wait()
			return nil
		}))
	}
	// Stage 2: metrics listener.
	if o.Metrics != nil {
		err = multierr.Append(err, RunStage(ctx, o.Log, "metrics", o.Config.MetricsCloseTimeout, o.Metrics.Close))
	}
	// Stage 3: data access and Redis clients.
	err = multierr.Append(err, RunStage(ctx, o.Log, "data", o.Config.DataCloseTimeout, func(context.Context) error {
		var closeErr error
		if o.Data != nil {
			closeErr = multierr.Append(closeErr, o.Data.Close())
		}
		return multierr.Append(closeErr, o.Manager.Close())
	}))
	// Stage 4: flush logs.
	if o.Flush != nil {
		err = multierr.Append(err, RunStage(ctx, o.Log, "log", o.Config.LogFlushTimeout, func(context.Context) error {
			return o.Flush()
		}))
	}

	o.state.Store(int32(Terminated))
	o.Log.Info("Worker terminated", zap.Int("shutdown_errors", len(multierr.Errors(err))))
	return err
}
