package orgconfig

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[[Orgs]]
ID = 1
MySQLDSN = "root@unix(/tmp/mysql.sock)/org1"

[Orgs.Redis]
Host = "redis-1.internal"
Port = 6379
Password = "secret"

[[Orgs]]
ID = 2

[Orgs.Redis]
Network = "unix"
Host = "/run/redis/org2.sock"

[[Orgs]]
ID = 3
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(testConfig))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, config.OrgIDs())

	target, ok := config.RedisTarget(1)
	require.True(t, ok)
	assert.Equal(t, Redis{Network: "tcp", Host: "redis-1.internal", Port: 6379, Password: "secret"}, target)

	target, ok = config.RedisTarget(2)
	require.True(t, ok)
	assert.Equal(t, "unix", target.Network)
	assert.Equal(t, "/run/redis/org2.sock", target.Host)

	_, ok = config.RedisTarget(3)
	assert.False(t, ok, "org without Redis section")
	_, ok = config.RedisTarget(4)
	assert.False(t, ok, "unknown org")

	dsn, ok := config.DataSource(1)
	assert.True(t, ok)
	assert.Equal(t, "root@unix(/tmp/mysql.sock)/org1", dsn)
	_, ok = config.DataSource(2)
	assert.False(t, ok)
}

func TestLoad_Duplicate(t *testing.T) {
	_, err := Load(strings.NewReader(`
[[Orgs]]
ID = 7
[[Orgs]]
ID = 7
`))
	assert.EqualError(t, err, "duplicate org 7 in config")
}

func TestStatic(t *testing.T) {
	static := Static{
		2: {Host: "b", Port: 6379},
		1: {Host: "a", Port: 6379},
		5: {Host: "", Port: 6379},
	}
	assert.Equal(t, []int64{1, 2, 5}, static.OrgIDs())
	target, ok := static.RedisTarget(1)
	assert.True(t, ok)
	assert.Equal(t, "tcp", target.Network)
	_, ok = static.RedisTarget(5)
	assert.False(t, ok)
}

func TestConfigurationError(t *testing.T) {
	var err error = &ConfigurationError{OrgID: 3, Reason: "no Redis target"}
	var confErr *ConfigurationError
	require.True(t, errors.As(err, &confErr))
	assert.Equal(t, int64(3), confErr.OrgID)
	assert.Equal(t, "org 3: no Redis target", err.Error())
}
