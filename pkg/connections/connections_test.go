package connections

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func testOrgs() orgconfig.Static {
	return orgconfig.Static{
		1: {Host: "redis-1", Port: 6379, Password: "pw"},
		2: {Network: "unix", Host: "/tmp/redis-2.sock"},
	}
}

func TestFactory(t *testing.T) {
	factory := NewFactory(testOrgs(), Settings{DB: 4, KeepAlive: 10 * time.Second})
	d, err := factory(1)
	require.NoError(t, err)
	assert.Equal(t, "redis-1:6379", d.Addr())
	assert.Equal(t, 4, d.DB)
	opts := d.Options()
	assert.Equal(t, "tcp", opts.Network)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 4, opts.DB)
	assert.NotNil(t, opts.Dialer)

	d, err = factory(2)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/redis-2.sock", d.Addr())

	_, err = factory(3)
	var confErr *orgconfig.ConfigurationError
	require.True(t, errors.As(err, &confErr))
	assert.Equal(t, int64(3), confErr.OrgID)
}

func TestRegistry_Initialize(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	registry := NewRegistry(zap.New(core))
	factory := NewFactory(testOrgs(), DefaultSettings)

	require.NoError(t, registry.Initialize([]int64{1, 2, 1}, factory))
	first, err := registry.Get(1)
	require.NoError(t, err)

	require.NoError(t, registry.Initialize([]int64{1, 2}, factory))
	second, err := registry.Get(1)
	require.NoError(t, err)
	assert.Same(t, first, second, "descriptor identity must survive re-initialization")
	assert.Equal(t, 1, logs.FilterMessage("Connections already initialized, ignoring").Len())

	_, err = registry.Get(9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_InitializeMissingTarget(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	err := registry.Initialize([]int64{1, 3}, NewFactory(testOrgs(), DefaultSettings))
	var confErr *orgconfig.ConfigurationError
	require.True(t, errors.As(err, &confErr))
	assert.False(t, registry.Initialized())
	_, err = registry.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
}
