package providers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.od2.network/orgqueue/pkg/metrics"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metrics config keys.
const (
	ConfMetricsEnabled  = "metrics.enabled"
	ConfMetricsProvider = "metrics.provider"
	ConfMetricsHost     = "metrics.host"
	ConfMetricsPort     = "metrics.port"
)

func init() {
	viper.SetDefault(ConfMetricsEnabled, false)
	viper.SetDefault(ConfMetricsProvider, metrics.ProviderPrometheus)
	viper.SetDefault(ConfMetricsHost, "0.0.0.0")
	viper.SetDefault(ConfMetricsPort, 9090)
}

// MetricsHandler is the Prometheus exporter, nil if metrics are disabled.
type MetricsHandler struct {
	http.Handler
}

func NewMetricsHandler(log *zap.Logger) (*MetricsHandler, error) {
	if !viper.GetBool(ConfMetricsEnabled) {
		return &MetricsHandler{}, nil
	}
	handler, err := metrics.SetupPrometheus(metrics.DefaultExporter("orgqueue"))
	if err != nil {
		return nil, err
	}
	log.Info("Metrics enabled", zap.String(ConfMetricsProvider, viper.GetString(ConfMetricsProvider)))
	return &MetricsHandler{Handler: handler}, nil
}

// NewRecorder creates the job outcome recorder of the configured provider.
// Returns nil if metrics are disabled.
func NewRecorder(_ *MetricsHandler, meter metric.Meter) (metrics.Recorder, error) {
	if !viper.GetBool(ConfMetricsEnabled) {
		return nil, nil
	}
	return metrics.NewRecorder(viper.GetString(ConfMetricsProvider), prometheus.DefaultRegisterer, meter)
}
