package redisqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Maintainer promotes due retries and recovers stalled jobs of a queue.
// It is safe to run multiple instances on the same queue.
type Maintainer struct {
	// Required components
	Log   *zap.Logger
	Queue *Queue
	// Optional config
	MaxSleep time.Duration // max time between promotion rounds, default 1s

	lastStalledCheck time.Time
}

// Run runs the maintenance loop until the context is canceled.
func (m *Maintainer) Run(ctx context.Context) error {
	for {
		if err := m.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.Log.Error("Queue maintenance failed", zap.String("queue", m.Queue.Name), zap.Error(err))
			if err := sleep(ctx, m.maxSleep()); err != nil {
				return err
			}
		}
	}
}

// step promotes due jobs, checks for stalled jobs if due,
// and sleeps the minimum time until the next delayed job is due.
func (m *Maintainer) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	if now.Sub(m.lastStalledCheck) >= m.Queue.Options.StalledInterval {
		m.lastStalledCheck = now
		recovered, failed, err := m.Queue.RecoverStalled(ctx)
		if err != nil {
			return err
		}
		for _, id := range recovered {
			m.Log.Warn("Recovered stalled job", zap.String("queue", m.Queue.Name), zap.String("job", id))
		}
		for _, id := range failed {
			m.Log.Error("Failed job stalled too often", zap.String("queue", m.Queue.Name), zap.String("job", id))
		}
	}
	_, next, err := m.Queue.PromoteDelayed(ctx)
	if err != nil {
		return err
	}
	sleepDur := m.maxSleep()
	if next >= 0 && next < sleepDur {
		sleepDur = next
	}
	return sleep(ctx, sleepDur)
}

func (m *Maintainer) maxSleep() time.Duration {
	if m.MaxSleep > 0 {
		return m.MaxSleep
	}
	return time.Second
}

// PromoteDelayed moves due delayed jobs to the wait list.
// Returns the number of promoted jobs and the time until the next delayed job is due,
// or -1 if there are none.
func (q *Queue) PromoteDelayed(ctx context.Context) (int64, time.Duration, error) {
	// Script: Move due jobs from the delayed set to the wait list.
	// Key 1: Delayed set
	// Key 2: Wait list
	// Key 3: Event stream
	// Argument 1: Current time (ms)
	// Argument 2: Batch size
	// Argument 3: Job hash prefix
	// Argument 4: Event stream backlog
	// Returns {promoted count, ms until next due or -1}.
	const promoteScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
	redis.call("HSET", ARGV[3] .. id, "state", "waiting")
	redis.call("XADD", KEYS[3], "MAXLEN", "~", ARGV[4], "*", "event", "waiting", "jobId", id)
end
local due = -1
local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #head == 2 then
	due = math.max(0, tonumber(head[2]) - tonumber(ARGV[1]))
end
return {#ids, due}
`
	batch := q.Options.PromoteBatch
	if batch <= 0 {
		batch = 128
	}
	res, err := q.Redis.Eval(ctx, promoteScript,
		[]string{q.Keys.Delayed, q.Keys.Wait, q.Keys.Events},
		millis(time.Now()), batch, q.Keys.JobPrefix, q.backlog()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to promote delayed jobs via Lua: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, 0, fmt.Errorf("failed to promote delayed jobs via Lua: invalid return %#v", res)
	}
	promoted, ok1 := parts[0].(int64)
	nextMs, ok2 := parts[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("failed to promote delayed jobs via Lua: invalid return %#v", res)
	}
	next := time.Duration(-1)
	if nextMs >= 0 {
		next = time.Duration(nextMs) * time.Millisecond
	}
	return promoted, next, nil
}

// RecoverStalled moves active jobs that lost their lock back to the head of the wait list.
// A job is only recovered if it had no lock during the previous check too,
// which leaves a fetching worker time to take the lock.
// Jobs that stalled more than Options.MaxStalled times are failed instead.
func (q *Queue) RecoverStalled(ctx context.Context) (recovered, failed []string, err error) {
	// Script: Two-phase stalled job recovery.
	// Key 1: Active list
	// Key 2: Stalled candidate set
	// Key 3: Wait list
	// Key 4: Event stream
	// Key 5: Failed set
	// Argument 1: Job hash prefix
	// Argument 2: Job lock prefix
	// Argument 3: Event stream backlog
	// Argument 4: Max stalls per job
	// Argument 5: Current time (ms)
	// Argument 6: Failure reason
	// Returns {recovered job IDs, failed job IDs}.
	const stalledScript = `
local recovered = {}
local failed = {}
local candidates = redis.call("SMEMBERS", KEYS[2])
for _, id in ipairs(candidates) do
	if redis.call("EXISTS", ARGV[2] .. id) == 0 then
		if redis.call("LREM", KEYS[1], 1, id) > 0 then
			local stalls = redis.call("HINCRBY", ARGV[1] .. id, "stalls", 1)
			if stalls > tonumber(ARGV[4]) then
				redis.call("ZADD", KEYS[5], ARGV[5], id)
				redis.call("HSET", ARGV[1] .. id, "state", "failed", "failedReason", ARGV[6], "finishedAt", ARGV[5])
				redis.call("XADD", KEYS[4], "MAXLEN", "~", ARGV[3], "*", "event", "failed", "jobId", id, "failedReason", ARGV[6])
				table.insert(failed, id)
			else
				redis.call("RPUSH", KEYS[3], id)
				redis.call("HSET", ARGV[1] .. id, "state", "waiting")
				redis.call("XADD", KEYS[4], "MAXLEN", "~", ARGV[3], "*", "event", "stalled", "jobId", id)
				table.insert(recovered, id)
			end
		end
	end
end
redis.call("DEL", KEYS[2])
local active = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(active) do
	if redis.call("EXISTS", ARGV[2] .. id) == 0 then
		redis.call("SADD", KEYS[2], id)
	end
end
return {recovered, failed}
`
	maxStalled := q.Options.MaxStalled
	if maxStalled < 0 {
		maxStalled = 0
	}
	reason := fmt.Sprintf("job stalled too often (max %d)", maxStalled)
	res, err := q.Redis.Eval(ctx, stalledScript,
		[]string{q.Keys.Active, q.Keys.Stalled, q.Keys.Wait, q.Keys.Events, q.Keys.Failed},
		q.Keys.JobPrefix, q.Keys.LockPrefix, q.backlog(), maxStalled, millis(time.Now()), reason).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to recover stalled jobs via Lua: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, nil, fmt.Errorf("failed to recover stalled jobs via Lua: invalid return %#v", res)
	}
	if recovered, err = stringList(parts[0]); err != nil {
		return nil, nil, err
	}
	if failed, err = stringList(parts[1]); err != nil {
		return nil, nil, err
	}
	return recovered, failed, nil
}

func stringList(v interface{}) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid stalled batch: %#v", v)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		id, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("invalid entry in stalled batch: %#v", item)
		}
		ids[i] = id
	}
	return ids, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
