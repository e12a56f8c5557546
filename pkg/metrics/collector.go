package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.od2.network/orgqueue/pkg/queues"
	"go.uber.org/zap"
)

// CountsFunc returns the job counts of all queues.
type CountsFunc func(ctx context.Context) ([]queues.QueueCounts, error)

// JobCountsCollector exposes queue depths as gauges on every scrape.
type JobCountsCollector struct {
	Log     *zap.Logger
	Counts  CountsFunc
	Timeout time.Duration

	desc *prometheus.Desc
}

// NewJobCountsCollector creates a collector for the orgqueue_jobs gauge.
func NewJobCountsCollector(log *zap.Logger, counts CountsFunc) *JobCountsCollector {
	return &JobCountsCollector{
		Log:     log,
		Counts:  counts,
		Timeout: 5 * time.Second,
		desc: prometheus.NewDesc("orgqueue_jobs",
			"Number of jobs per queue and state.",
			[]string{"queue", "org", "job_type", "state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *JobCountsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
// Queues failing to count are skipped.
func (c *JobCountsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	list, err := c.Counts(ctx)
	if err != nil {
		c.Log.Warn("Failed to count jobs", zap.Error(err))
	}
	for _, qc := range list {
		org := strconv.FormatInt(qc.OrgID, 10)
		states := []struct {
			name  string
			count int64
		}{
			{"waiting", qc.Counts.Waiting},
			{"active", qc.Counts.Active},
			{"delayed", qc.Counts.Delayed},
			{"completed", qc.Counts.Completed},
			{"failed", qc.Counts.Failed},
		}
		for _, s := range states {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
				float64(s.count), qc.QueueName, org, qc.JobType, s.name)
		}
	}
}
