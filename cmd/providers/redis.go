package providers

import (
	"github.com/spf13/viper"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/orgconfig"
)

// Queue Redis config keys.
const (
	ConfQueueRedisDB              = "queue.redis.db"
	ConfQueueRedisKeepAlive       = "queue.redis.keep_alive"
	ConfQueueRedisDialTimeout     = "queue.redis.dial_timeout"
	ConfQueueRedisMaxRetries      = "queue.redis.max_retries"
	ConfQueueRedisMinRetryBackoff = "queue.redis.min_retry_backoff"
	ConfQueueRedisMaxRetryBackoff = "queue.redis.max_retry_backoff"
)

func init() {
	viper.SetDefault(ConfQueueRedisDB, 0)
	viper.SetDefault(ConfQueueRedisKeepAlive, connections.DefaultSettings.KeepAlive)
	viper.SetDefault(ConfQueueRedisDialTimeout, connections.DefaultSettings.DialTimeout)
	viper.SetDefault(ConfQueueRedisMaxRetries, connections.DefaultSettings.MaxRetries)
	viper.SetDefault(ConfQueueRedisMinRetryBackoff, connections.DefaultSettings.MinRetryBackoff)
	viper.SetDefault(ConfQueueRedisMaxRetryBackoff, connections.DefaultSettings.MaxRetryBackoff)
}

func NewConnectionSettings() connections.Settings {
	return connections.Settings{
		DB:              viper.GetInt(ConfQueueRedisDB),
		KeepAlive:       viper.GetDuration(ConfQueueRedisKeepAlive),
		DialTimeout:     viper.GetDuration(ConfQueueRedisDialTimeout),
		MaxRetries:      viper.GetInt(ConfQueueRedisMaxRetries),
		MinRetryBackoff: viper.GetDuration(ConfQueueRedisMinRetryBackoff),
		MaxRetryBackoff: viper.GetDuration(ConfQueueRedisMaxRetryBackoff),
	}
}

func NewConnectionFactory(orgs orgconfig.Provider, settings connections.Settings) connections.Factory {
	return connections.NewFactory(orgs, settings)
}

