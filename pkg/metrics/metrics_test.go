package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.opentelemetry.io/otel/metric"
	otel "go.opentelemetry.io/otel/metric/global"
	"go.uber.org/zap/zaptest"
)

func TestSetupPrometheus(t *testing.T) {
	GOMPrometheusSync = 100 * time.Millisecond
	reg := prometheus.NewRegistry()
	gom := gometrics.NewRegistry()
	handler, err := SetupPrometheus(Exporter{
		Namespace:  "orgqueue",
		Registry:   gom,
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	require.NotNil(t, handler)

	gauge := gom.GetOrRegister("gom_gauge", gometrics.NewGaugeFloat64()).(gometrics.GaugeFloat64)
	gauge.Update(2)

	counter, err := otel.Meter("meter").NewInt64Counter("otel_counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	time.Sleep(time.Second)

	dtos, err := reg.Gather()
	require.NoError(t, err)
	var metricNames []string
	for _, dto := range dtos {
		metricNames = append(metricNames, dto.GetName())
	}
	sort.Strings(metricNames)
	assert.Equal(t, []string{
		"orgqueue_gom_gauge",
		"otel_counter",
	}, metricNames)
}

func TestJobCountsCollector(t *testing.T) {
	c := NewJobCountsCollector(zaptest.NewLogger(t), func(context.Context) ([]queues.QueueCounts, error) {
		return []queues.QueueCounts{{
			QueueName: "queue-1-prediction",
			OrgID:     1,
			JobType:   "prediction",
			Counts:    redisqueue.Counts{Waiting: 3, Failed: 1},
		}}, errors.New("org 2: connection refused")
	})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	assert.Equal(t, 5, testutil.CollectAndCount(c, "orgqueue_jobs"))

	dtos, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, dtos, 1)
	values := make(map[string]float64)
	for _, m := range dtos[0].GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "state" {
				values[label.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{
		"waiting":   3,
		"active":    0,
		"delayed":   0,
		"completed": 0,
		"failed":    1,
	}, values)
}

func TestNewRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(ProviderPrometheus, reg, metric.Meter{})
	require.NoError(t, err)
	rec.Observe(new(redisqueue.Job), redisqueue.StateCompleted)
	rec.Observe(new(redisqueue.Job), redisqueue.StateCompleted)
	prom := rec.(*PrometheusRecorder)
	assert.Equal(t, float64(2), testutil.ToFloat64(prom.outcomes.WithLabelValues("", "completed")))

	rec, err = NewRecorder(ProviderOpenTelemetry, reg, metric.Meter{})
	require.NoError(t, err)
	rec.Observe(new(redisqueue.Job), redisqueue.StateFailed)

	_, err = NewRecorder("statsd", reg, metric.Meter{})
	assert.Error(t, err)
}

func TestServer(t *testing.T) {
	sock, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(zaptest.NewLogger(t), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	served := make(chan error, 1)
	go func() { served <- s.Serve(sock) }()

	res, err := http.Get("http://" + sock.Addr().String() + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)
}
