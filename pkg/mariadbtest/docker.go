package mariadbtest

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dockerImage = "mariadb"
	dockerTag   = "10.3-focal"
	dockerDB    = "mariadbtest"
)

// SupportsDocker reports whether a Docker daemon is reachable.
func SupportsDocker() bool {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return false
	}
	return pool.Client.Ping() == nil
}

// Docker is a MariaDB container reached over TCP as root.
type Docker struct {
	Pool     *dockertest.Pool
	Resource *dockertest.Resource
	config   *mysql.Config
	once     sync.Once
}

var _ Backend = (*Docker)(nil)

// NewDocker starts a container and waits until it accepts connections.
// The container is removed on test cleanup.
func NewDocker(t testing.TB) *Docker {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err, "Connecting to Docker")
	pool.MaxWait = 2 * time.Minute

	var secret [16]byte
	_, err = rand.Read(secret[:])
	require.NoError(t, err)
	password := hex.EncodeToString(secret[:])
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: dockerImage,
		Tag:        dockerTag,
		Env: []string{
			"MYSQL_DATABASE=" + dockerDB,
			"MYSQL_ROOT_PASSWORD=" + password,
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "Starting MariaDB container")
	d := &Docker{Pool: pool, Resource: resource}
	t.Cleanup(func() { d.Close(t) })

	config := mysql.NewConfig()
	config.User = "root"
	config.Passwd = password
	config.Net = "tcp"
	config.Addr = "localhost:" + resource.GetPort("3306/tcp")
	config.DBName = dockerDB
	config.AllowNativePasswords = true
	d.config = config

	db, err := sql.Open("mysql", config.FormatDSN())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, pool.Retry(db.Ping), "Connecting to MariaDB")
	t.Log("mariadbtest: MariaDB container is up at", config.Addr)
	return d
}

// MySQLConfig returns the base config of the default database.
func (d *Docker) MySQLConfig() *mysql.Config {
	return d.config
}

// DSN formats the DSN of a database, "" selects the default one.
func (d *Docker) DSN(name string) string {
	config := d.config.Clone()
	if name != "" {
		config.DBName = name
	}
	return config.FormatDSN()
}

// DB opens a database, "" selects the default one.
func (d *Docker) DB(name string) (*sql.DB, error) {
	return openDSN(d.DSN(name))
}

// Close removes the container and its data. Close is idempotent.
func (d *Docker) Close(t testing.TB) {
	d.once.Do(func() {
		assert.NoError(t, d.Pool.Purge(d.Resource), "Removing container")
	})
}
