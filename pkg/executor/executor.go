// Package executor is the boundary to the code that actually runs
// predictions and upserts.
package executor

import (
	"context"
	"encoding/json"

	"go.od2.network/orgqueue/pkg/abort"
	"go.od2.network/orgqueue/pkg/resources"
)

// Request describes one job execution.
type Request struct {
	OrgID     int64
	JobID     string
	JobType   string
	Attempt   int
	Payload   json.RawMessage
	Resources *resources.Resources
	// Abort is set for abortable job types. Its context is the execution context.
	Abort *abort.Handle
}

// Executor runs a job. It must return soon after ctx is canceled.
type Executor interface {
	Execute(ctx context.Context, req *Request) (json.RawMessage, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req *Request) (json.RawMessage, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	return f(ctx, req)
}
