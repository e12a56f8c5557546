package providers

import (
	"context"

	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.od2.network/orgqueue/pkg/relay"
	"go.od2.network/orgqueue/pkg/sse"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewStreamer(log *zap.Logger) *sse.Streamer {
	return sse.NewStreamer(log.Named("sse"))
}

// NewRelaySubscriber connects one subscriber client per org on start.
func NewRelaySubscriber(
	lc fx.Lifecycle,
	log *zap.Logger,
	streamer *sse.Streamer,
	orgs orgconfig.Provider,
	factory connections.Factory,
) *relay.Subscriber {
	log = log.Named("relay")
	sub := relay.NewSubscriber(log, streamer, relay.RedisDialer(log, factory))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sub.ConnectAll(ctx, orgs.OrgIDs())
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Disconnecting relay")
			return sub.DisconnectAll(ctx)
		},
	})
	return sub
}
