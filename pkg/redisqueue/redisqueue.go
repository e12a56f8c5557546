// Package redisqueue provides a durable job queue on top of Redis.
//
// Components
//
// Queue adds jobs, reads job state and publishes on the queue event stream.
// Worker pulls jobs and runs them on a bounded goroutine pool.
// At least one Worker (or a standalone Maintainer) needs to run per queue
// to promote delayed retries and recover stalled jobs.
// The state transitions rely on Redis Lua server-side scripting for safe concurrent access.
//
// Data structures
//
// Every job is a hash holding its payload and state.
// Waiting job IDs sit on a list, which workers atomically move to the active list (BRPOPLPUSH).
// An active job holds a lock key with a short expiration that its worker keeps renewing.
// Active jobs whose lock expired for two maintenance rounds are considered stalled
// and moved back to the head of the wait list.
// Jobs scheduled for a retry wait in a sorted set scored by their due time.
// Finished jobs are kept in sorted sets scored by finish time until retention trims them.
//
// Lifecycle
//
// A job moves waiting -> active -> completed | failed | aborted.
// A failed attempt with attempts left moves active -> delayed -> waiting.
// Every transition is appended to the queue's event stream.
// Other processes may append their own tagged events to the same stream (see PublishEvent).
package redisqueue

import "time"

// Keys holds the Redis keys used by one queue.
type Keys struct {
	Wait       string // list of waiting job IDs, consumed from the right
	Active     string // list of active job IDs
	Stalled    string // set of active job IDs without a lock as of the last check
	Delayed    string // sorted set of job IDs by due time (ms)
	Completed  string // sorted set of job IDs by finish time (ms)
	Failed     string // sorted set of job IDs by finish time (ms)
	Events     string // stream of job lifecycle events
	JobPrefix  string // prefix of job hashes
	LockPrefix string // prefix of job locks
}

// KeysForName creates Keys for a queue name.
func KeysForName(name string) Keys {
	prefix := "rq:" + name + ":"
	return Keys{
		Wait:       prefix + "wait",
		Active:     prefix + "active",
		Stalled:    prefix + "stalled",
		Delayed:    prefix + "delayed",
		Completed:  prefix + "completed",
		Failed:     prefix + "failed",
		Events:     prefix + "events",
		JobPrefix:  prefix + "job:",
		LockPrefix: prefix + "lock:",
	}
}

// Job returns the hash key of a job.
func (k Keys) Job(id string) string {
	return k.JobPrefix + id
}

// Lock returns the lock key of a job.
func (k Keys) Lock(id string) string {
	return k.LockPrefix + id
}

// Retention limits how many finished jobs are kept.
// Zero values disable the respective limit.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int64
}

// Options configure a queue.
type Options struct {
	Attempts         int           // default max attempts per job
	Backoff          time.Duration // delay before the first retry, doubling per attempt
	MaxBackoff       time.Duration // retry delay cap
	RemoveOnComplete Retention
	RemoveOnFail     Retention
	LockDuration     time.Duration // lock TTL of active jobs
	StalledInterval  time.Duration // maintenance interval
	MaxStalled       int           // stall recoveries per job before it fails
	PromoteBatch     int64         // max delayed jobs promoted at once
	BlockTimeout     time.Duration // wait list poll timeout
	EventsBacklog    int64         // approximate event stream length
}

// DefaultOptions returns the default queue options.
func DefaultOptions() *Options {
	return &Options{
		Attempts:         1,
		Backoff:          time.Second,
		MaxBackoff:       time.Minute,
		RemoveOnComplete: Retention{MaxAge: 24 * time.Hour, MaxCount: 1000},
		RemoveOnFail:     Retention{MaxAge: 7 * 24 * time.Hour, MaxCount: 5000},
		LockDuration:     30 * time.Second,
		StalledInterval:  30 * time.Second,
		MaxStalled:       1,
		PromoteBatch:     128,
		BlockTimeout:     time.Second,
		EventsBacklog:    10000,
	}
}
