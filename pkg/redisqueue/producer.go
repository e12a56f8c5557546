package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Event names on the queue event stream.
const (
	EventWaiting   = "waiting"
	EventActive    = "active"
	EventProgress  = "progress"
	EventRetrying  = "retrying"
	EventStalled   = "stalled"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventAborted   = "aborted"
	// EventAbort is the reserved event requesting cancellation of a running job.
	// It is published by other processes, never by the queue itself.
	EventAbort = "abort"
)

// Queue is a handle to one durable queue.
// It is safe to run multiple instances on the same queue.
type Queue struct {
	// Required components
	Redis *redis.Client
	// Required config
	Name    string
	Keys    Keys
	Options *Options
}

// New creates a queue handle. Nil options select DefaultOptions.
func New(rd *redis.Client, name string, opts *Options) *Queue {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Queue{
		Redis:   rd,
		Name:    name,
		Keys:    KeysForName(name),
		Options: opts,
	}
}

// AddOptions override the queue defaults of a single job.
type AddOptions struct {
	JobID    string        // random UUID if empty
	Attempts int           // queue default if zero
	Delay    time.Duration // time until the job becomes available
}

// Add enqueues a job.
// Adding a job with an existing ID returns the existing job unchanged.
func (q *Queue) Add(ctx context.Context, name string, data interface{}, opts *AddOptions) (*Job, error) {
	if opts == nil {
		opts = new(AddOptions)
	}
	payload, err := marshalPayload(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.Options.Attempts
	}
	if attempts <= 0 {
		attempts = 1
	}
	now := time.Now()
	var dueAt int64
	if opts.Delay > 0 {
		dueAt = millis(now.Add(opts.Delay))
	}
	// Script: Create job hash and enqueue it.
	// Key 1: Job hash
	// Key 2: Wait list
	// Key 3: Delayed set
	// Key 4: Event stream
	// Argument 1: Job ID
	// Argument 2: Job name
	// Argument 3: Payload
	// Argument 4: Max attempts
	// Argument 5: Creation time (ms)
	// Argument 6: Due time (ms), zero if not delayed
	// Argument 7: Event stream backlog
	// Returns 1 if the job was created, 0 if it existed.
	const addScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
local state = "waiting"
if tonumber(ARGV[6]) > 0 then state = "delayed" end
redis.call("HSET", KEYS[1], "name", ARGV[2], "data", ARGV[3], "attempts", 0,
	"maxAttempts", ARGV[4], "state", state, "createdAt", ARGV[5])
if state == "delayed" then
	redis.call("ZADD", KEYS[3], ARGV[6], ARGV[1])
else
	redis.call("LPUSH", KEYS[2], ARGV[1])
end
redis.call("XADD", KEYS[4], "MAXLEN", "~", ARGV[7], "*", "event", state, "jobId", ARGV[1])
return 1
`
	res, err := q.Redis.Eval(ctx, addScript,
		[]string{q.Keys.Job(id), q.Keys.Wait, q.Keys.Delayed, q.Keys.Events},
		id, name, string(payload), attempts, millis(now), dueAt, q.backlog()).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to add job via Lua: %w", err)
	}
	if res == 0 {
		return q.GetJob(ctx, id)
	}
	state := StateWaiting
	if dueAt > 0 {
		state = StateDelayed
	}
	return &Job{
		ID:          id,
		Name:        name,
		Data:        payload,
		State:       state,
		MaxAttempts: attempts,
		CreatedAt:   now.Truncate(time.Millisecond),
		queue:       q,
	}, nil
}

func marshalPayload(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return v, nil
	default:
		return json.Marshal(data)
	}
}

// GetJob reads the current state of a job.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.Redis.HGetAll(ctx, q.Keys.Job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	job := parseJob(id, fields)
	job.queue = q
	return job, nil
}

// Counts holds the number of jobs per state.
// Aborted jobs are counted as failed.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var wait, active, delayed, completed, failed *redis.IntCmd
	_, err := q.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.Keys.Wait)
		active = pipe.LLen(ctx, q.Keys.Active)
		delayed = pipe.ZCard(ctx, q.Keys.Delayed)
		completed = pipe.ZCard(ctx, q.Keys.Completed)
		failed = pipe.ZCard(ctx, q.Keys.Failed)
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs of %s: %w", q.Name, err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// PublishEvent appends a tagged event to the queue event stream.
func (q *Queue) PublishEvent(ctx context.Context, event string, jobID string, fields map[string]interface{}) error {
	values := make([]interface{}, 0, 4+2*len(fields))
	values = append(values, "event", event, "jobId", jobID)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return q.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream:       q.Keys.Events,
		MaxLenApprox: q.backlog(),
		ID:           "*",
		Values:       values,
	}).Err()
}

// Trim applies the retention policies to finished jobs.
// Returns the number of removed jobs.
func (q *Queue) Trim(ctx context.Context) (int64, error) {
	completed, err := q.trim(ctx, q.Keys.Completed, q.Options.RemoveOnComplete)
	if err != nil {
		return 0, err
	}
	failed, err := q.trim(ctx, q.Keys.Failed, q.Options.RemoveOnFail)
	return completed + failed, err
}

func (q *Queue) trim(ctx context.Context, key string, retention Retention) (int64, error) {
	if retention.MaxAge <= 0 && retention.MaxCount <= 0 {
		return 0, nil
	}
	// Script: Remove finished jobs by age and by count.
	// Key 1: Finished set
	// Argument 1: Job hash prefix
	// Argument 2: Min finish time (ms) to keep, zero to keep any age
	// Argument 3: Max jobs to keep, negative to keep any count
	// Returns number of removed jobs.
	const trimScript = `
local removed = 0
if tonumber(ARGV[2]) > 0 then
	local old = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
	for _, id in ipairs(old) do
		redis.call("DEL", ARGV[1] .. id)
		redis.call("ZREM", KEYS[1], id)
		removed = removed + 1
	end
end
local max = tonumber(ARGV[3])
if max >= 0 then
	local over = redis.call("ZCARD", KEYS[1]) - max
	if over > 0 then
		local ids = redis.call("ZRANGE", KEYS[1], 0, over - 1)
		for _, id in ipairs(ids) do
			redis.call("DEL", ARGV[1] .. id)
			redis.call("ZREM", KEYS[1], id)
			removed = removed + 1
		end
	end
end
return removed
`
	var minScore int64
	if retention.MaxAge > 0 {
		minScore = millis(time.Now().Add(-retention.MaxAge))
	}
	maxCount := retention.MaxCount
	if maxCount <= 0 {
		maxCount = -1
	}
	removed, err := q.Redis.Eval(ctx, trimScript, []string{key},
		q.Keys.JobPrefix, minScore, maxCount).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to trim %s via Lua: %w", key, err)
	}
	return removed, nil
}

func (q *Queue) backlog() int64 {
	if q.Options.EventsBacklog > 0 {
		return q.Options.EventsBacklog
	}
	return 10000
}
