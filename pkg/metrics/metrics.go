// Package metrics exports job queue metrics to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	otel "go.opentelemetry.io/otel/metric/global"
)

// GOMPrometheusSync specifies the time interval to sync go-metrics to Prometheus.
var GOMPrometheusSync = 5 * time.Second

// Exporter describes where metrics are collected from and registered to.
type Exporter struct {
	Namespace  string
	Registry   gometrics.Registry
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// DefaultExporter uses the global registries.
func DefaultExporter(namespace string) Exporter {
	return Exporter{
		Namespace:  namespace,
		Registry:   gometrics.DefaultRegistry,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}
}

// SetupPrometheus configures the OpenTelemetry and go-metrics Prometheus exporters.
// Returns the Prometheus exporter HTTP handler.
func SetupPrometheus(e Exporter) (http.Handler, error) {
	// Setup go-metrics Prometheus exporter.
	gomProvider := prometheusmetrics.NewPrometheusProvider(
		e.Registry,
		e.Namespace, "",
		e.Registerer,
		GOMPrometheusSync)
	go gomProvider.UpdatePrometheusMetrics()
	// Set up OpenTelemetry Prometheus exporter.
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: e.Registerer,
		Gatherer:   e.Gatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(exporter.MeterProvider())
	return exporter, nil
}
