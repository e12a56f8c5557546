package providers

import (
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.od2.network/orgqueue/pkg/executor"
	"go.od2.network/orgqueue/pkg/queues"
	"go.uber.org/zap"
)

// Executor config keys.
const (
	ConfExecutorPredictionURL = "executor.prediction_url"
	ConfExecutorUpsertURL     = "executor.upsert_url"
	ConfExecutorTimeout       = "executor.timeout"
)

func init() {
	viper.SetDefault(ConfExecutorPredictionURL, "")
	viper.SetDefault(ConfExecutorUpsertURL, "")
	viper.SetDefault(ConfExecutorTimeout, time.Duration(0))
}

// NewExecutors creates an HTTP executor for every job type with a configured URL.
func NewExecutors(log *zap.Logger) queues.Executors {
	client := &http.Client{Timeout: viper.GetDuration(ConfExecutorTimeout)}
	execs := make(queues.Executors)
	urls := map[queues.JobType]string{
		queues.Prediction: viper.GetString(ConfExecutorPredictionURL),
		queues.Upsert:     viper.GetString(ConfExecutorUpsertURL),
	}
	for t, url := range urls {
		if url == "" {
			continue
		}
		log.Info("Using HTTP executor", zap.String("job_type", string(t)), zap.String("url", url))
		execs[t] = &executor.HTTP{URL: url, Client: client}
	}
	return execs
}
