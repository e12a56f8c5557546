// Package connections builds the per-organization Redis connection descriptors.
package connections

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Descriptor describes how to reach the Redis server of one organization.
// Descriptors are immutable after the registry is initialized.
type Descriptor struct {
	OrgID    int64
	Network  string
	Host     string
	Port     int
	Password string
	// Queue-specific settings
	DB              int
	KeepAlive       time.Duration
	DialTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Settings are the queue-specific connection settings shared by all orgs.
type Settings struct {
	DB              int
	KeepAlive       time.Duration
	DialTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultSettings are used when no settings are configured.
var DefaultSettings = Settings{
	KeepAlive:       30 * time.Second,
	DialTimeout:     5 * time.Second,
	MaxRetries:      3,
	MinRetryBackoff: 8 * time.Millisecond,
	MaxRetryBackoff: 512 * time.Millisecond,
}

// Factory builds the descriptor of an org.
type Factory func(orgID int64) (*Descriptor, error)

// NewFactory creates a factory resolving Redis targets through the org config provider.
// Orgs without a Redis target fail with *orgconfig.ConfigurationError.
func NewFactory(orgs orgconfig.Provider, settings Settings) Factory {
	return func(orgID int64) (*Descriptor, error) {
		target, ok := orgs.RedisTarget(orgID)
		if !ok {
			return nil, &orgconfig.ConfigurationError{
				OrgID:  orgID,
				Reason: "no Redis target configured",
			}
		}
		return &Descriptor{
			OrgID:           orgID,
			Network:         target.Network,
			Host:            target.Host,
			Port:            target.Port,
			Password:        target.Password,
			DB:              settings.DB,
			KeepAlive:       settings.KeepAlive,
			DialTimeout:     settings.DialTimeout,
			MaxRetries:      settings.MaxRetries,
			MinRetryBackoff: settings.MinRetryBackoff,
			MaxRetryBackoff: settings.MaxRetryBackoff,
		}, nil
	}
}

// Addr returns the dial address.
func (d *Descriptor) Addr() string {
	if d.Network == "unix" {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Options converts the descriptor into go-redis options.
func (d *Descriptor) Options() *redis.Options {
	dialer := &net.Dialer{
		Timeout:   d.DialTimeout,
		KeepAlive: d.KeepAlive,
	}
	return &redis.Options{
		Network:  d.Network,
		Addr:     d.Addr(),
		Password: d.Password,
		DB:       d.DB,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		DialTimeout:     d.DialTimeout,
		MaxRetries:      d.MaxRetries,
		MinRetryBackoff: d.MinRetryBackoff,
		MaxRetryBackoff: d.MaxRetryBackoff,
	}
}

// Dial creates a Redis client for the descriptor.
// Connection establishment is lazy; every new connection is logged,
// the first as "connected", later ones as "reconnected".
func Dial(log *zap.Logger, d *Descriptor) *redis.Client {
	opts := d.Options()
	var conns atomic.Int64
	fields := []zap.Field{
		zap.Int64("org", d.OrgID),
		zap.String("redis.network", d.Network),
		zap.String("redis.addr", opts.Addr),
		zap.Int("redis.db", d.DB),
	}
	opts.OnConnect = func(ctx context.Context, _ *redis.Conn) error {
		if conns.Inc() == 1 {
			log.Info("Redis connected", fields...)
		} else {
			log.Debug("Redis reconnected", fields...)
		}
		return nil
	}
	return redis.NewClient(opts)
}
