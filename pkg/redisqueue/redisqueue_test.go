package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/redistest"
)

func newTestQueue(ctx context.Context, t *testing.T) (*Queue, *redistest.Redis) {
	instance := redistest.NewRedis(ctx, t)
	opts := DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	opts.LockDuration = time.Second
	opts.StalledInterval = 100 * time.Millisecond
	opts.Backoff = 50 * time.Millisecond
	opts.MaxBackoff = 200 * time.Millisecond
	return New(instance.Client, "test-1-prediction", opts), instance
}

func requireState(ctx context.Context, t *testing.T, q *Queue, id string, state State) *Job {
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.GetJob(ctx, id)
		return err == nil && job.State == state
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, state)
	return job
}
