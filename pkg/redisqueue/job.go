package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// ErrJobNotFound is returned when a job hash does not exist.
var ErrJobNotFound = errors.New("job not found")

// Job is a snapshot of a job hash.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  time.Time       `json:"processedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`

	queue *Queue
	token string
}

// QueueName returns the name of the queue the job was read from.
func (j *Job) QueueName() string {
	if j.queue == nil {
		return ""
	}
	return j.queue.Name
}

// Decode unmarshals the job payload.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Data, v)
}

// UpdateProgress stores the progress of a running job and emits a "progress" event.
func (j *Job) UpdateProgress(ctx context.Context, progress interface{}) error {
	if j.queue == nil {
		return errors.New("job is not bound to a queue")
	}
	buf, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	if err := j.queue.Redis.HSet(ctx, j.queue.Keys.Job(j.ID), "progress", string(buf)).Err(); err != nil {
		return err
	}
	j.Progress = buf
	return j.queue.PublishEvent(ctx, EventProgress, j.ID, map[string]interface{}{"data": string(buf)})
}

func parseJob(id string, fields map[string]string) *Job {
	job := &Job{
		ID:           id,
		Name:         fields["name"],
		State:        State(fields["state"]),
		FailedReason: fields["failedReason"],
		CreatedAt:    parseMillis(fields["createdAt"]),
		ProcessedAt:  parseMillis(fields["processedAt"]),
		FinishedAt:   parseMillis(fields["finishedAt"]),
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	if data, ok := fields["data"]; ok {
		job.Data = json.RawMessage(data)
	}
	if result, ok := fields["result"]; ok && result != "" {
		job.Result = json.RawMessage(result)
	}
	if progress, ok := fields["progress"]; ok && progress != "" {
		job.Progress = json.RawMessage(progress)
	}
	return job
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
