package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.od2.network/orgqueue/pkg/appctx"
	otel "go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// datasource.go
	NewDataManager,
	NewUsageTracker,
	// executor.go
	NewExecutors,
	// metrics.go
	NewMetricsHandler,
	NewRecorder,
	// orgs.go
	NewOrgConfig,
	NewOrgProvider,
	// providers.go
	NewContext,
	// queues.go
	NewQueueOptions,
	NewQueueManager,
	NewClientQueues,
	// redis.go
	NewConnectionSettings,
	NewConnectionFactory,
	// relay.go
	NewStreamer,
	NewRelaySubscriber,
}

func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(otel.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd runs invoke once with the command arguments, then stops the app.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Supply(otel.GetMeterProvider().Meter(cmd.Name())),
			fx.Invoke(invoke),
		)
		if err := app.Err(); err != nil {
			Log.Fatal("Command failed", zap.Error(err))
		}
		ctx := appctx.Context()
		if err := app.Start(ctx); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		if err := app.Stop(context.Background()); err != nil {
			Log.Warn("Failed to stop cleanly", zap.Error(err))
		}
	}
}

func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(appctx.Context())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
