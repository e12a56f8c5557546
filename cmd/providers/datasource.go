package providers

import (
	"go.od2.network/orgqueue/pkg/datasource"
	"go.od2.network/orgqueue/pkg/usage"
	"go.uber.org/zap"
)

func NewDataManager(log *zap.Logger) *datasource.Manager {
	return datasource.NewManager(log.Named("datasource"))
}

// NewUsageTracker counts usage on the global go-metrics registry,
// which is exported to Prometheus when metrics are enabled.
func NewUsageTracker() *usage.Tracker {
	return usage.NewTracker(nil)
}
