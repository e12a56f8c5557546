package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockLost is returned when a worker tries to settle a job it no longer owns.
var ErrLockLost = errors.New("job lock lost")

// Fetch moves the next waiting job to the active list and locks it.
// Blocks up to the configured BlockTimeout; returns nil if no job arrived.
func (q *Queue) Fetch(ctx context.Context) (*Job, error) {
	id, err := q.Redis.BRPopLPush(ctx, q.Keys.Wait, q.Keys.Active, q.Options.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	// The job is active now, finish activation even if ctx is canceled.
	ctx = context.WithoutCancel(ctx)
	token := uuid.NewString()
	// Script: Lock a job that was just moved to the active list.
	// Key 1: Job hash
	// Key 2: Job lock
	// Key 3: Event stream
	// Argument 1: Job ID
	// Argument 2: Lock token
	// Argument 3: Lock duration (ms)
	// Argument 4: Current time (ms)
	// Argument 5: Event stream backlog
	// Returns 0 if the job hash is gone.
	const activateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
redis.call("HSET", KEYS[1], "state", "active", "processedAt", ARGV[4])
redis.call("HINCRBY", KEYS[1], "attempts", 1)
redis.call("XADD", KEYS[3], "MAXLEN", "~", ARGV[5], "*", "event", "active", "jobId", ARGV[1])
return 1
`
	ok, err := q.Redis.Eval(ctx, activateScript,
		[]string{q.Keys.Job(id), q.Keys.Lock(id), q.Keys.Events},
		id, token, q.Options.LockDuration.Milliseconds(), millis(time.Now()), q.backlog()).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to activate job via Lua: %w", err)
	}
	if ok == 0 {
		// Orphaned ID, the job hash was trimmed.
		return nil, q.Redis.LRem(ctx, q.Keys.Active, 1, id).Err()
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.token = token
	return job, nil
}

// ExtendLock renews the lock of an active job.
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	// Script: Renew lock if still owned.
	// Key 1: Job lock
	// Argument 1: Lock token
	// Argument 2: Lock duration (ms)
	const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
	ok, err := q.Redis.Eval(ctx, extendScript, []string{q.Keys.Lock(job.ID)},
		job.token, q.Options.LockDuration.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock via Lua: %w", err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

// Complete moves an active job to the completed set.
func (q *Queue) Complete(ctx context.Context, job *Job, result []byte) error {
	return q.finish(ctx, job, StateCompleted, q.Keys.Completed, "result", string(result))
}

// Fail moves an active job to the failed set.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	return q.finish(ctx, job, StateFailed, q.Keys.Failed, "failedReason", reason)
}

// Abort moves an active job to the failed set in aborted state.
func (q *Queue) Abort(ctx context.Context, job *Job, reason string) error {
	return q.finish(ctx, job, StateAborted, q.Keys.Failed, "failedReason", reason)
}

func (q *Queue) finish(ctx context.Context, job *Job, state State, setKey, field, value string) error {
	// Script: Move active job to a finished set.
	// Key 1: Active list
	// Key 2: Finished set
	// Key 3: Job hash
	// Key 4: Job lock
	// Key 5: Event stream
	// Argument 1: Job ID
	// Argument 2: Lock token
	// Argument 3: Final state
	// Argument 4: Hash field of the outcome
	// Argument 5: Outcome
	// Argument 6: Current time (ms)
	// Argument 7: Event stream backlog
	// Returns -1 if the lock is not owned.
	const finishScript = `
if redis.call("GET", KEYS[4]) ~= ARGV[2] then return -1 end
redis.call("DEL", KEYS[4])
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[1])
redis.call("HSET", KEYS[3], "state", ARGV[3], ARGV[4], ARGV[5], "finishedAt", ARGV[6])
redis.call("XADD", KEYS[5], "MAXLEN", "~", ARGV[7], "*", "event", ARGV[3], "jobId", ARGV[1], ARGV[4], ARGV[5])
return 1
`
	now := time.Now()
	res, err := q.Redis.Eval(ctx, finishScript,
		[]string{q.Keys.Active, setKey, q.Keys.Job(job.ID), q.Keys.Lock(job.ID), q.Keys.Events},
		job.ID, job.token, string(state), field, value, millis(now), q.backlog()).Int64()
	if err != nil {
		return fmt.Errorf("failed to finish job via Lua: %w", err)
	}
	if res < 0 {
		return ErrLockLost
	}
	job.State = state
	job.FinishedAt = now
	return nil
}

// Retry moves an active job to the delayed set until its retry is due.
func (q *Queue) Retry(ctx context.Context, job *Job, reason string, delay time.Duration) error {
	// Script: Move active job to delayed set.
	// Key 1: Active list
	// Key 2: Delayed set
	// Key 3: Job hash
	// Key 4: Job lock
	// Key 5: Event stream
	// Argument 1: Job ID
	// Argument 2: Lock token
	// Argument 3: Due time (ms)
	// Argument 4: Failure reason
	// Argument 5: Event stream backlog
	// Returns -1 if the lock is not owned.
	const retryScript = `
if redis.call("GET", KEYS[4]) ~= ARGV[2] then return -1 end
redis.call("DEL", KEYS[4])
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[3], "state", "delayed", "failedReason", ARGV[4])
redis.call("XADD", KEYS[5], "MAXLEN", "~", ARGV[5], "*", "event", "retrying", "jobId", ARGV[1], "failedReason", ARGV[4])
return 1
`
	res, err := q.Redis.Eval(ctx, retryScript,
		[]string{q.Keys.Active, q.Keys.Delayed, q.Keys.Job(job.ID), q.Keys.Lock(job.ID), q.Keys.Events},
		job.ID, job.token, millis(time.Now().Add(delay)), reason, q.backlog()).Int64()
	if err != nil {
		return fmt.Errorf("failed to retry job via Lua: %w", err)
	}
	if res < 0 {
		return ErrLockLost
	}
	job.State = StateDelayed
	job.FailedReason = reason
	return nil
}
