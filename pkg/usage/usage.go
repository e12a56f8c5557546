// Package usage accounts job executions per organization.
package usage

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Outcomes recorded by the tracker.
const (
	Started   = "started"
	Completed = "completed"
	Failed    = "failed"
	Aborted   = "aborted"
	Retried   = "retried"
)

// Tracker counts job executions in a go-metrics registry,
// which is exported to Prometheus alongside the other process metrics.
type Tracker struct {
	Registry metrics.Registry
}

// NewTracker creates a tracker on registry; nil selects metrics.DefaultRegistry.
func NewTracker(registry metrics.Registry) *Tracker {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Tracker{Registry: registry}
}

// Record increments the counter of an org, job type and outcome.
func (t *Tracker) Record(orgID int64, jobType string, outcome string) {
	metrics.GetOrRegisterCounter(counterName(orgID, jobType, outcome), t.Registry).Inc(1)
}

// Count returns the current value of a counter.
func (t *Tracker) Count(orgID int64, jobType string, outcome string) int64 {
	c, ok := t.Registry.Get(counterName(orgID, jobType, outcome)).(metrics.Counter)
	if !ok {
		return 0
	}
	return c.Count()
}

func counterName(orgID int64, jobType string, outcome string) string {
	return fmt.Sprintf("usage.org_%d.%s.%s", orgID, jobType, outcome)
}
