package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric providers.
const (
	ProviderPrometheus    = "prometheus"
	ProviderOpenTelemetry = "opentelemetry"
)

// Recorder counts settled job attempts.
type Recorder interface {
	Observe(job *redisqueue.Job, state redisqueue.State)
}

// NewRecorder creates the recorder of a metrics provider.
func NewRecorder(provider string, reg prometheus.Registerer, meter metric.Meter) (Recorder, error) {
	switch provider {
	case ProviderPrometheus:
		return NewPrometheusRecorder(reg)
	case ProviderOpenTelemetry:
		return NewOtelRecorder(meter)
	default:
		return nil, fmt.Errorf("unknown metrics provider %q", provider)
	}
}

// PrometheusRecorder counts outcomes in a CounterVec.
type PrometheusRecorder struct {
	outcomes *prometheus.CounterVec
}

// NewPrometheusRecorder registers the outcome counter.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgqueue_job_outcomes_total",
		Help: "Number of settled job attempts per queue and state.",
	}, []string{"queue", "state"})
	if err := reg.Register(outcomes); err != nil {
		return nil, fmt.Errorf("failed to register outcome counter: %w", err)
	}
	return &PrometheusRecorder{outcomes: outcomes}, nil
}

func (r *PrometheusRecorder) Observe(job *redisqueue.Job, state redisqueue.State) {
	r.outcomes.WithLabelValues(job.QueueName(), string(state)).Inc()
}

// OtelRecorder counts outcomes with an OpenTelemetry counter.
type OtelRecorder struct {
	outcomes metric.Int64Counter
}

func NewOtelRecorder(meter metric.Meter) (*OtelRecorder, error) {
	outcomes, err := meter.NewInt64Counter("orgqueue_job_outcomes",
		metric.WithDescription("Number of settled job attempts per queue and state."))
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome counter: %w", err)
	}
	return &OtelRecorder{outcomes: outcomes}, nil
}

func (r *OtelRecorder) Observe(job *redisqueue.Job, state redisqueue.State) {
	r.outcomes.Add(context.Background(), 1,
		attribute.String("queue", job.QueueName()),
		attribute.String("state", string(state)))
}
