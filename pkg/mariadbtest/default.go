// Package mariadbtest provides MariaDB servers for data source tests,
// either as a local mysqld subprocess or in Docker.
package mariadbtest

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

// Backend is a running MariaDB server.
type Backend interface {
	MySQLConfig() *mysql.Config
	DSN(name string) string
	DB(name string) (*sql.DB, error)
	Close(t testing.TB)
}

// Default starts a server on the fastest available backend.
// Skips the test if neither mysqld nor Docker is available.
func Default(t testing.TB) Backend {
	switch {
	case SupportsSubprocess():
		return NewSubprocess(t)
	case SupportsDocker():
		t.Log("mariadbtest: mysqld not installed, using Docker")
		return NewDocker(t)
	default:
		t.Skip("mariadbtest: neither mysqld nor Docker available")
		return nil
	}
}

// OrgDatabases creates one database per org and returns their DSNs.
func OrgDatabases(t testing.TB, b Backend, orgIDs ...int64) map[int64]string {
	db, err := b.DB("")
	require.NoError(t, err)
	defer db.Close()
	dsns := make(map[int64]string, len(orgIDs))
	for _, id := range orgIDs {
		name := fmt.Sprintf("org_%d", id)
		_, err := db.Exec("CREATE DATABASE IF NOT EXISTS " + name)
		require.NoError(t, err, "Creating database of org %d", id)
		dsns[id] = b.DSN(name)
	}
	return dsns
}

func openDSN(dsn string) (*sql.DB, error) {
	return sql.Open("mysql", dsn)
}
