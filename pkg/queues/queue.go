package queues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.od2.network/orgqueue/pkg/abort"
	"go.od2.network/orgqueue/pkg/datasource"
	"go.od2.network/orgqueue/pkg/executor"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.od2.network/orgqueue/pkg/resources"
	"go.od2.network/orgqueue/pkg/usage"
	"go.uber.org/zap"
)

// JobType is the kind of work a queue carries.
type JobType string

// Job types.
const (
	Prediction JobType = "prediction"
	Upsert     JobType = "upsert"
)

// JobTypes lists all job types in setup order.
var JobTypes = []JobType{Prediction, Upsert}

func (t JobType) queueSuffix() string {
	if t == Upsert {
		return "upsertion"
	}
	return string(t)
}

// QueueName returns the durable queue name of an org and job type.
func QueueName(prefix string, orgID int64, t JobType) string {
	return fmt.Sprintf("%s-%d-%s", prefix, orgID, t.queueSuffix())
}

// Key identifies a queue.
type Key struct {
	OrgID int64
	Type  JobType
}

// String formats the key as "<org>-<type>".
func (k Key) String() string {
	return fmt.Sprintf("%d-%s", k.OrgID, k.Type)
}

// Queue is the durable queue of one org and job type.
type Queue interface {
	Key() Key
	QueueName() string
	OrgID() int64
	JobType() string
	Durable() *redisqueue.Queue
	Enqueue(ctx context.Context, data interface{}, opts *redisqueue.AddOptions) (*redisqueue.Job, error)
	GetJob(ctx context.Context, id string) (*redisqueue.Job, error)
	JobCounts(ctx context.Context) (redisqueue.Counts, error)
	// AttachWorker starts a worker running up to concurrency jobs at once.
	AttachWorker(concurrency int) (*redisqueue.Worker, error)
	// Events returns a listener for the queue event stream.
	Events(handler redisqueue.EventHandler) *redisqueue.EventListener
}

type queue struct {
	log      *zap.Logger
	key      Key
	durable  *redisqueue.Queue
	res      *resources.Resources
	exec     executor.Executor
	onFinish redisqueue.FinishHook
	process  redisqueue.Processor
}

func (q *queue) Key() Key                   { return q.key }
func (q *queue) QueueName() string          { return q.durable.Name }
func (q *queue) OrgID() int64               { return q.key.OrgID }
func (q *queue) JobType() string            { return string(q.key.Type) }
func (q *queue) Durable() *redisqueue.Queue { return q.durable }

func (q *queue) Enqueue(ctx context.Context, data interface{}, opts *redisqueue.AddOptions) (*redisqueue.Job, error) {
	job, err := q.durable.Add(ctx, string(q.key.Type), data, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue on %s: %w", q.durable.Name, err)
	}
	return job, nil
}

func (q *queue) GetJob(ctx context.Context, id string) (*redisqueue.Job, error) {
	return q.durable.GetJob(ctx, id)
}

func (q *queue) JobCounts(ctx context.Context) (redisqueue.Counts, error) {
	return q.durable.Counts(ctx)
}

func (q *queue) Events(handler redisqueue.EventHandler) *redisqueue.EventListener {
	return &redisqueue.EventListener{
		Log:     q.log,
		Queue:   q.durable,
		Handler: handler,
	}
}

func (q *queue) AttachWorker(concurrency int) (*redisqueue.Worker, error) {
	if q.exec == nil {
		return nil, fmt.Errorf("no executor for %s jobs", q.key.Type)
	}
	worker, err := redisqueue.NewWorker(q.log, q.durable, concurrency, q.process)
	if err != nil {
		return nil, err
	}
	worker.OnFinish = q.finished
	worker.Start()
	return worker, nil
}

func (q *queue) execute(ctx context.Context, job *redisqueue.Job, handle *abort.Handle) (interface{}, error) {
	if q.res.Usage != nil {
		q.res.Usage.Record(q.key.OrgID, string(q.key.Type), usage.Started)
	}
	out, err := q.exec.Execute(ctx, &executor.Request{
		OrgID:     q.key.OrgID,
		JobID:     job.ID,
		JobType:   string(q.key.Type),
		Attempt:   job.Attempts,
		Payload:   job.Data,
		Resources: q.res,
		Abort:     handle,
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (q *queue) finished(job *redisqueue.Job, state redisqueue.State) {
	if q.res.Usage != nil {
		q.res.Usage.Record(q.key.OrgID, string(q.key.Type), outcome(state))
	}
	if state.Terminal() && q.res.Data != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := q.res.Data.RecordRun(ctx, q.key.OrgID, &datasource.Run{
			JobID:      job.ID,
			Queue:      q.durable.Name,
			State:      string(state),
			Attempts:   job.Attempts,
			Error:      job.FailedReason,
			FinishedAt: job.FinishedAt,
		})
		if err != nil && !errors.Is(err, datasource.ErrNoStore) {
			q.log.Warn("Failed to record job run", zap.String("job", job.ID), zap.Error(err))
		}
	}
	if q.onFinish != nil {
		q.onFinish(job, state)
	}
}

func outcome(state redisqueue.State) string {
	switch state {
	case redisqueue.StateCompleted:
		return usage.Completed
	case redisqueue.StateAborted:
		return usage.Aborted
	case redisqueue.StateDelayed:
		return usage.Retried
	default:
		return usage.Failed
	}
}

// UpsertQueue carries document ingestion jobs.
type UpsertQueue struct {
	*queue
}

func newUpsertQueue(q *queue) *UpsertQueue {
	u := &UpsertQueue{queue: q}
	q.process = func(ctx context.Context, job *redisqueue.Job) (interface{}, error) {
		return u.execute(ctx, job, nil)
	}
	return u
}

// PredictionQueue carries prediction jobs, which can be aborted from any process.
type PredictionQueue struct {
	*queue
}

func newPredictionQueue(q *queue) *PredictionQueue {
	p := &PredictionQueue{queue: q}
	q.process = p.processAbortable
	return p
}

// processAbortable runs a job under an abort handle keyed by the job ID.
func (q *PredictionQueue) processAbortable(ctx context.Context, job *redisqueue.Job) (interface{}, error) {
	handle, err := q.res.Aborts.Register(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	defer q.res.Aborts.Release(job.ID)
	out, err := q.execute(handle.Context(), job, handle)
	if handle.Aborted() {
		return nil, fmt.Errorf("%w: abort requested", redisqueue.ErrAborted)
	}
	return out, err
}

// PublishAbort asks every worker process to abort a running job.
func (q *PredictionQueue) PublishAbort(ctx context.Context, jobID string) error {
	return q.durable.PublishEvent(ctx, redisqueue.EventAbort, jobID, nil)
}

// AbortListener returns a listener triggering local abort handles
// for abort events published on this queue.
func (q *PredictionQueue) AbortListener(aborts *abort.Registry) *redisqueue.EventListener {
	return q.Events(func(_ context.Context, ev redisqueue.Event) {
		if ev.Name != redisqueue.EventAbort {
			return
		}
		if aborts.Abort(ev.JobID) {
			q.log.Info("Aborting job", zap.String("job", ev.JobID))
		} else {
			q.log.Debug("Abort for job not running here", zap.String("job", ev.JobID))
		}
	})
}
