package providers

import (
	"context"

	"github.com/spf13/viper"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/metrics"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.od2.network/orgqueue/pkg/resources"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Queue config keys.
const (
	ConfQueuePrefix            = "queue.prefix"
	ConfQueueAttempts          = "queue.attempts"
	ConfQueueBackoff           = "queue.backoff"
	ConfQueueMaxBackoff        = "queue.max_backoff"
	ConfQueueCompletedMaxAge   = "queue.remove_on_complete.age"
	ConfQueueCompletedMaxCount = "queue.remove_on_complete.count"
	ConfQueueFailedMaxAge      = "queue.remove_on_fail.age"
	ConfQueueFailedMaxCount    = "queue.remove_on_fail.count"
	ConfQueueLockDuration      = "queue.lock_duration"
	ConfQueueStalledInterval   = "queue.stalled_interval"
	ConfQueueMaxStalled        = "queue.max_stalled"
	ConfQueueEventsBacklog     = "queue.events_backlog"
	ConfQueueDashboard         = "queue.dashboard"
)

func init() {
	defaults := redisqueue.DefaultOptions()
	viper.SetDefault(ConfQueuePrefix, "queue")
	viper.SetDefault(ConfQueueAttempts, defaults.Attempts)
	viper.SetDefault(ConfQueueBackoff, defaults.Backoff)
	viper.SetDefault(ConfQueueMaxBackoff, defaults.MaxBackoff)
	viper.SetDefault(ConfQueueCompletedMaxAge, defaults.RemoveOnComplete.MaxAge)
	viper.SetDefault(ConfQueueCompletedMaxCount, defaults.RemoveOnComplete.MaxCount)
	viper.SetDefault(ConfQueueFailedMaxAge, defaults.RemoveOnFail.MaxAge)
	viper.SetDefault(ConfQueueFailedMaxCount, defaults.RemoveOnFail.MaxCount)
	viper.SetDefault(ConfQueueLockDuration, defaults.LockDuration)
	viper.SetDefault(ConfQueueStalledInterval, defaults.StalledInterval)
	viper.SetDefault(ConfQueueMaxStalled, defaults.MaxStalled)
	viper.SetDefault(ConfQueueEventsBacklog, defaults.EventsBacklog)
	viper.SetDefault(ConfQueueDashboard, false)
}

func NewQueueOptions() *redisqueue.Options {
	opts := redisqueue.DefaultOptions()
	opts.Attempts = viper.GetInt(ConfQueueAttempts)
	opts.Backoff = viper.GetDuration(ConfQueueBackoff)
	opts.MaxBackoff = viper.GetDuration(ConfQueueMaxBackoff)
	opts.RemoveOnComplete = redisqueue.Retention{
		MaxAge:   viper.GetDuration(ConfQueueCompletedMaxAge),
		MaxCount: viper.GetInt64(ConfQueueCompletedMaxCount),
	}
	opts.RemoveOnFail = redisqueue.Retention{
		MaxAge:   viper.GetDuration(ConfQueueFailedMaxAge),
		MaxCount: viper.GetInt64(ConfQueueFailedMaxCount),
	}
	opts.LockDuration = viper.GetDuration(ConfQueueLockDuration)
	opts.StalledInterval = viper.GetDuration(ConfQueueStalledInterval)
	opts.MaxStalled = viper.GetInt(ConfQueueMaxStalled)
	opts.EventsBacklog = viper.GetInt64(ConfQueueEventsBacklog)
	return opts
}

// NewQueueManager creates a manager without queues.
// Outcomes are counted if a metrics recorder is configured.
func NewQueueManager(log *zap.Logger, opts *redisqueue.Options, recorder metrics.Recorder) *queues.Manager {
	config := queues.Config{
		Prefix:       viper.GetString(ConfQueuePrefix),
		QueueOptions: opts,
		Dashboard:    viper.GetBool(ConfQueueDashboard),
	}
	if recorder != nil {
		config.OnFinish = recorder.Observe
	}
	return queues.NewManager(log.Named("queues"), config)
}

// ClientQueues is a queue manager set up for producing only.
type ClientQueues struct {
	*queues.Manager
}

// NewClientQueues sets up the queues of every org without consuming them.
func NewClientQueues(
	lc fx.Lifecycle,
	log *zap.Logger,
	m *queues.Manager,
	orgs orgconfig.Provider,
	factory connections.Factory,
) (*ClientQueues, error) {
	orgIDs := orgs.OrgIDs()
	if err := m.Initialize(orgIDs, factory); err != nil {
		return nil, err
	}
	if err := m.SetupQueues(orgIDs, &resources.Resources{}, nil); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing queue Redis clients")
			return m.Close()
		},
	})
	return &ClientQueues{Manager: m}, nil
}
