package relay

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.od2.network/orgqueue/pkg/connections"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Conn is the pub/sub connection of one org.
//
// Receive returns *redis.Subscription, *redis.Message or *redis.Pong values.
type Conn interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Receive(ctx context.Context) (interface{}, error)
	Close() error
}

// Dialer opens the pub/sub connection of an org.
type Dialer func(ctx context.Context, orgID int64) (Conn, error)

// RedisDialer dials org Redis servers resolved by factory.
// Resolution errors (*orgconfig.ConfigurationError) are passed through.
func RedisDialer(log *zap.Logger, factory connections.Factory) Dialer {
	return func(ctx context.Context, orgID int64) (Conn, error) {
		d, err := factory(orgID)
		if err != nil {
			return nil, err
		}
		rd := connections.Dial(log, d)
		return &redisConn{rd: rd, ps: rd.Subscribe(ctx)}, nil
	}
}

type redisConn struct {
	rd *redis.Client
	ps *redis.PubSub
}

func (c *redisConn) Subscribe(ctx context.Context, channels ...string) error {
	return c.ps.Subscribe(ctx, channels...)
}

func (c *redisConn) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.ps.Unsubscribe(ctx, channels...)
}

func (c *redisConn) Receive(ctx context.Context) (interface{}, error) {
	return c.ps.Receive(ctx)
}

func (c *redisConn) Close() error {
	return multierr.Append(c.ps.Close(), c.rd.Close())
}
