package redisqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysForName(t *testing.T) {
	keys := KeysForName("fq-1-prediction")
	assert.Equal(t, "rq:fq-1-prediction:wait", keys.Wait)
	assert.Equal(t, "rq:fq-1-prediction:job:abc", keys.Job("abc"))
	assert.Equal(t, "rq:fq-1-prediction:lock:abc", keys.Lock("abc"))
}

func TestQueue_Add(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, instance := newTestQueue(ctx, t)
	defer instance.Close(t)

	job, err := q.Add(ctx, "prediction", map[string]string{"question": "hi"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateWaiting, job.State)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "prediction", stored.Name)
	assert.JSONEq(t, `{"question":"hi"}`, string(stored.Data))
	assert.Equal(t, 1, stored.MaxAttempts)
	assert.Equal(t, 0, stored.Attempts)
	assert.False(t, stored.CreatedAt.IsZero())

	// Same ID again is ignored.
	again, err := q.Add(ctx, "prediction", json.RawMessage(`{"question":"other"}`), &AddOptions{JobID: job.ID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"question":"hi"}`, string(again.Data))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1}, counts)

	_, err = q.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.Add(ctx, "prediction", json.RawMessage(`{broken`), nil)
	assert.Error(t, err)
}

func TestQueue_AddDelayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, instance := newTestQueue(ctx, t)
	defer instance.Close(t)

	job, err := q.Add(ctx, "upsert", nil, &AddOptions{Delay: 150 * time.Millisecond, Attempts: 3})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)

	promoted, next, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), promoted)
	assert.True(t, next > 0 && next <= 150*time.Millisecond, "next due in %s", next)

	time.Sleep(200 * time.Millisecond)
	promoted, next, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), promoted)
	assert.Equal(t, time.Duration(-1), next)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Equal(t, 3, stored.MaxAttempts)
}

func TestQueue_Trim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, instance := newTestQueue(ctx, t)
	defer instance.Close(t)
	q.Options.RemoveOnComplete = Retention{MaxCount: 2}

	var ids []string
	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, "prediction", i, nil)
		require.NoError(t, err)
		job, err := q.Fetch(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Complete(ctx, job, []byte(`"ok"`)))
		ids = append(ids, job.ID)
		time.Sleep(5 * time.Millisecond)
	}
	removed, err := q.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)
	_, err = q.GetJob(ctx, ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound, "oldest completed job gets trimmed")
}

func TestQueue_TrimByAge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, instance := newTestQueue(ctx, t)
	defer instance.Close(t)
	q.Options.RemoveOnFail = Retention{MaxAge: 50 * time.Millisecond}

	_, err := q.Add(ctx, "prediction", nil, nil)
	require.NoError(t, err)
	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, "boom"))

	removed, err := q.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
	time.Sleep(100 * time.Millisecond)
	removed, err = q.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
