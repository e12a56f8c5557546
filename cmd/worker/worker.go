// Package worker is the worker process sub-command.
package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/orgqueue/cmd/providers"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/datasource"
	"go.od2.network/orgqueue/pkg/metrics"
	"go.od2.network/orgqueue/pkg/orchestrator"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/usage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Worker config keys.
const (
	ConfPredictionConcurrency = "worker.concurrency.prediction"
	ConfUpsertConcurrency     = "worker.concurrency.upsert"
	ConfWorkerCloseTimeout    = "worker.shutdown.workers_timeout"
	ConfListenerCloseTimeout  = "worker.shutdown.listeners_timeout"
	ConfMetricsCloseTimeout   = "worker.shutdown.metrics_timeout"
	ConfDataCloseTimeout      = "worker.shutdown.data_timeout"
	ConfLogFlushTimeout       = "worker.shutdown.log_timeout"
	ConfCacheSize             = "worker.cache.size"
	ConfCacheTTL              = "worker.cache.ttl"
)

func init() {
	defaults := orchestrator.DefaultConfig()
	viper.SetDefault(ConfPredictionConcurrency, 1)
	viper.SetDefault(ConfUpsertConcurrency, 1)
	viper.SetDefault(ConfWorkerCloseTimeout, defaults.WorkerCloseTimeout)
	viper.SetDefault(ConfListenerCloseTimeout, defaults.ListenerCloseTimeout)
	viper.SetDefault(ConfMetricsCloseTimeout, defaults.MetricsCloseTimeout)
	viper.SetDefault(ConfDataCloseTimeout, defaults.DataCloseTimeout)
	viper.SetDefault(ConfLogFlushTimeout, defaults.LogFlushTimeout)
	viper.SetDefault(ConfCacheSize, defaults.CacheSize)
	viper.SetDefault(ConfCacheTTL, defaults.CacheTTL)
}

var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run queue workers",
	Long: "Consumes the prediction and upsert queues of every configured organization.\n" +
		"It is safe to run multiple workers against the same queues.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		config := newWorkerConfig()
		app := providers.NewApp(
			cmd,
			fx.StopTimeout(config.ShutdownTimeout()+time.Second),
			fx.Supply(config),
			fx.Provide(newOrchestrator),
			fx.Invoke(runOrchestrator),
		)
		app.Run()
	},
}

func newWorkerConfig() orchestrator.Config {
	return orchestrator.Config{
		Concurrency: map[queues.JobType]int{
			queues.Prediction: viper.GetInt(ConfPredictionConcurrency),
			queues.Upsert:     viper.GetInt(ConfUpsertConcurrency),
		},
		WorkerCloseTimeout:   viper.GetDuration(ConfWorkerCloseTimeout),
		ListenerCloseTimeout: viper.GetDuration(ConfListenerCloseTimeout),
		MetricsCloseTimeout:  viper.GetDuration(ConfMetricsCloseTimeout),
		DataCloseTimeout:     viper.GetDuration(ConfDataCloseTimeout),
		LogFlushTimeout:      viper.GetDuration(ConfLogFlushTimeout),
		CacheSize:            viper.GetInt(ConfCacheSize),
		CacheTTL:             viper.GetDuration(ConfCacheTTL),
	}
}

type orchestratorIn struct {
	fx.In

	Log       *zap.Logger
	Config    orchestrator.Config
	Orgs      orgconfig.Provider
	Factory   connections.Factory
	Manager   *queues.Manager
	Executors queues.Executors
	Data      *datasource.Manager
	Usage     *usage.Tracker
	Metrics   *providers.MetricsHandler
}

func newOrchestrator(in orchestratorIn) *orchestrator.Orchestrator {
	o := &orchestrator.Orchestrator{
		Log:       in.Log.Named("orchestrator"),
		Config:    in.Config,
		Orgs:      in.Orgs,
		Factory:   in.Factory,
		Manager:   in.Manager,
		Executors: in.Executors,
		Data:      in.Data,
		Usage:     in.Usage,
		Flush:     in.Log.Sync,
	}
	if in.Metrics.Handler != nil {
		server := metrics.NewServer(in.Log.Named("metrics"), in.Metrics.Handler)
		addr := net.JoinHostPort(viper.GetString(providers.ConfMetricsHost),
			strconv.Itoa(viper.GetInt(providers.ConfMetricsPort)))
		sock := providers.MustListen(in.Log, "tcp", addr)
		go func() {
			if err := server.Serve(sock); err != nil {
				in.Log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		o.Metrics = orchestrator.CloserFunc(server.Shutdown)
	}
	return o
}

func runOrchestrator(lc fx.Lifecycle, log *zap.Logger, o *orchestrator.Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := o.Start(ctx); err != nil {
				_ = o.Shutdown(context.Background())
				return fmt.Errorf("failed to start workers: %w", err)
			}
			log.Info("Workers running", zap.Int("workers", len(o.Workers())))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Stage timeouts are logged, shutting down is best-effort.
			if err := o.Shutdown(ctx); err != nil {
				log.Warn("Shutdown incomplete", zap.Error(err))
			}
			return nil
		},
	})
}
