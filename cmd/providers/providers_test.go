package providers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/queues"
	"go.uber.org/zap/zaptest"
)

func TestNewOrgConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orgs.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[Orgs]]
ID = 1
[Orgs.Redis]
Host = "redis-1"
Port = 6379
`), 0600))
	viper.Set(ConfOrgsConfigFile, path)
	defer viper.Set(ConfOrgsConfigFile, "")

	config, err := NewOrgConfig(zaptest.NewLogger(t))
	require.NoError(t, err)
	orgs := NewOrgProvider(config)
	assert.Equal(t, []int64{1}, orgs.OrgIDs())
}

func TestNewQueueOptions(t *testing.T) {
	viper.Set(ConfQueueAttempts, 3)
	viper.Set(ConfQueueFailedMaxAge, time.Hour)
	defer viper.Set(ConfQueueAttempts, nil)
	defer viper.Set(ConfQueueFailedMaxAge, nil)

	opts := NewQueueOptions()
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, time.Hour, opts.RemoveOnFail.MaxAge)
	assert.Equal(t, int64(1000), opts.RemoveOnComplete.MaxCount)
	assert.Equal(t, 1, opts.MaxStalled)
}

func TestNewExecutors(t *testing.T) {
	viper.Set(ConfExecutorPredictionURL, "http://localhost:3000/internal/predict")
	defer viper.Set(ConfExecutorPredictionURL, "")

	execs := NewExecutors(zaptest.NewLogger(t))
	assert.Contains(t, execs, queues.Prediction)
	assert.NotContains(t, execs, queues.Upsert)
}

func TestNewConnectionSettings(t *testing.T) {
	viper.Set(ConfQueueRedisDB, 2)
	defer viper.Set(ConfQueueRedisDB, nil)

	settings := NewConnectionSettings()
	assert.Equal(t, 2, settings.DB)
	assert.Equal(t, 30*time.Second, settings.KeepAlive)
}
