package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/executor"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.od2.network/orgqueue/pkg/redistest"
	"go.od2.network/orgqueue/pkg/relay"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	c := DefaultConfig()
	c.WorkerCloseTimeout = 2 * time.Second
	c.MetricsCloseTimeout = time.Second
	c.DataCloseTimeout = time.Second
	c.LogFlushTimeout = time.Second
	return c
}

func testQueueOptions() *redisqueue.Options {
	opts := redisqueue.DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	opts.LockDuration = time.Second
	opts.StalledInterval = 100 * time.Millisecond
	return opts
}

func newOrchestrator(t *testing.T, orgs orgconfig.Static, execs queues.Executors) *Orchestrator {
	log := zaptest.NewLogger(t)
	return &Orchestrator{
		Log:       log,
		Config:    testConfig(),
		Orgs:      orgs,
		Factory:   connections.NewFactory(orgs, connections.DefaultSettings),
		Manager:   queues.NewManager(log, queues.Config{Prefix: "test", QueueOptions: testQueueOptions()}),
		Executors: execs,
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "workers_running", WorkersRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestOrchestrator_NoOrgs(t *testing.T) {
	o := newOrchestrator(t, orgconfig.Static{}, nil)
	assert.Error(t, o.Start(context.Background()))
	assert.Equal(t, Initializing, o.State())
	assert.NoError(t, o.Shutdown(context.Background()))
	assert.Equal(t, Terminated, o.State())
	// Second shutdown is a no-op.
	assert.NoError(t, o.Shutdown(context.Background()))
}

func TestOrchestrator_MissingTarget(t *testing.T) {
	o := newOrchestrator(t, orgconfig.Static{1: {}}, nil)
	err := o.Start(context.Background())
	var confErr *orgconfig.ConfigurationError
	assert.True(t, errors.As(err, &confErr))
	assert.NoError(t, o.Shutdown(context.Background()))
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)

	orgs := redistest.Orgs(instance)
	o := newOrchestrator(t, orgs, queues.Executors{
		queues.Upsert: executor.Func(func(context.Context, *executor.Request) (json.RawMessage, error) {
			return nil, nil
		}),
	})
	o.Config.Concurrency[queues.Upsert] = 2
	var metricsClosed, flushed bool
	o.Metrics = CloserFunc(func(context.Context) error {
		metricsClosed = true
		return nil
	})
	o.Flush = func() error {
		flushed = true
		return nil
	}

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, WorkersRunning, o.State())
	assert.Error(t, o.Start(ctx), "second start")
	// Prediction has no executor, only the upsert queue is consumed.
	require.Len(t, o.Workers(), 1)
	assert.Contains(t, o.Workers(), "1-upsert")
	assert.Equal(t, 2, o.Workers()["1-upsert"].Concurrency)
	require.NotNil(t, o.Resources())

	q, err := o.Manager.GetQueue(1, queues.Upsert)
	require.NoError(t, err)
	job, err := q.Enqueue(ctx, map[string]string{"docId": "d1"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := q.GetJob(ctx, job.ID)
		return err == nil && got.State == redisqueue.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Shutdown(ctx))
	assert.Equal(t, Terminated, o.State())
	assert.True(t, metricsClosed)
	assert.True(t, flushed)
}

type tokenCall struct {
	ChatID string
	Token  string
}

type tokenSink struct {
	relay.NopSink
	mu    sync.Mutex
	calls []tokenCall
}

func (s *tokenSink) Token(chatID, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tokenCall{chatID, data})
}

func (s *tokenSink) Calls() []tokenCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tokenCall(nil), s.calls...)
}

func TestOrchestrator_PredictionStreamAndAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	redis1 := redistest.NewRedis(ctx, t)
	defer redis1.Close(t)
	redis2 := redistest.NewRedis(ctx, t)
	defer redis2.Close(t)
	orgs := redistest.Orgs(redis1, redis2)

	var o *Orchestrator
	observed := make(chan redisqueue.State, 1)
	o = newOrchestrator(t, orgs, queues.Executors{
		queues.Prediction: executor.Func(func(ctx context.Context, req *executor.Request) (json.RawMessage, error) {
			var payload struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.Question != "hi" {
				return nil, errors.New("unexpected payload")
			}
			env, err := relay.NewEnvelope(relay.EventToken, "c1", "Hi")
			if err != nil {
				return nil, err
			}
			if err := req.Resources.Events.Publish(ctx, req.OrgID, env); err != nil {
				return nil, err
			}
			select {
			case <-req.Abort.Done():
			case <-time.After(10 * time.Second):
				return nil, errors.New("abort never arrived")
			}
			q, err := o.Manager.GetQueue(req.OrgID, queues.Prediction)
			if err != nil {
				return nil, err
			}
			job, err := q.GetJob(context.Background(), req.JobID)
			if err != nil {
				return nil, err
			}
			observed <- job.State
			return nil, ctx.Err()
		}),
	})
	require.NoError(t, o.Start(ctx))
	defer o.Shutdown(context.Background())
	assert.Len(t, o.Workers(), 2)

	// Server side: relay chat c1 of org 1 into the sink.
	log := zaptest.NewLogger(t)
	sink := new(tokenSink)
	sub := relay.NewSubscriber(log, sink, relay.RedisDialer(log, connections.NewFactory(orgs, connections.DefaultSettings)))
	require.NoError(t, sub.ConnectAll(ctx, orgs.OrgIDs()))
	defer sub.DisconnectAll(context.Background())
	require.NoError(t, sub.Subscribe(ctx, "c1", 1))
	require.Eventually(t, func() bool {
		n, err := redis1.Client.PubSubNumSub(ctx, "c1").Result()
		return err == nil && n["c1"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	pq, err := o.Manager.PredictionQueue(1)
	require.NoError(t, err)
	job, err := pq.Enqueue(ctx, map[string]string{"question": "hi"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []tokenCall{{"c1", "Hi"}}, sink.Calls())

	require.NoError(t, pq.PublishAbort(ctx, job.ID))
	select {
	case state := <-observed:
		assert.Equal(t, redisqueue.StateActive, state)
	case <-time.After(10 * time.Second):
		t.Fatal("abort not observed")
	}
	require.Eventually(t, func() bool {
		got, err := pq.GetJob(ctx, job.ID)
		return err == nil && got.State == redisqueue.StateAborted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, o.Resources().Aborts.Len())

	// Org 2 never saw the job.
	q2, err := o.Manager.PredictionQueue(2)
	require.NoError(t, err)
	counts, err := q2.JobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, redisqueue.Counts{}, counts)
}

func TestOrchestrator_AbortWhileDraining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)

	orgs := redistest.Orgs(instance)
	started := make(chan struct{})
	aborted := make(chan bool, 1)
	o := newOrchestrator(t, orgs, queues.Executors{
		queues.Prediction: executor.Func(func(ctx context.Context, req *executor.Request) (json.RawMessage, error) {
			close(started)
			select {
			case <-req.Abort.Done():
				aborted <- true
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				aborted <- false
				return nil, nil
			}
		}),
	})
	o.Config.WorkerCloseTimeout = 10 * time.Second
	require.NoError(t, o.Start(ctx))

	pq, err := o.Manager.PredictionQueue(1)
	require.NoError(t, err)
	job, err := pq.Enqueue(ctx, map[string]string{"question": "hi"}, nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- o.Shutdown(context.Background())
	}()
	// Workers are draining the running job.
	require.Eventually(t, func() bool { return o.State() == ShuttingDown }, time.Second, time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, pq.PublishAbort(ctx, job.ID))

	select {
	case got := <-aborted:
		assert.True(t, got, "abort did not reach the running job")
	case <-time.After(10 * time.Second):
		t.Fatal("job never returned")
	}
	select {
	case err := <-shutdownErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, Terminated, o.State())
}
