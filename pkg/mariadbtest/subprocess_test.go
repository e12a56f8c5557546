package mariadbtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocess(t *testing.T) {
	if !SupportsSubprocess() {
		t.Skip("mysqld not installed")
	}
	sub := NewSubprocess(t)
	db, err := sub.DB("")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())
	assert.Contains(t, sub.DSN("other"), "/other")
	assert.Empty(t, sub.MySQLConfig().DBName, "DSN must not modify the base config")
}

func TestOrgDatabases(t *testing.T) {
	backend := Default(t)
	dsns := OrgDatabases(t, backend, 1, 2)
	require.Len(t, dsns, 2)
	assert.Contains(t, dsns[2], "/org_2")
	for id, dsn := range dsns {
		db, err := openDSN(dsn)
		require.NoError(t, err)
		assert.NoError(t, db.Ping(), "org %d", id)
		_ = db.Close()
	}
	// Idempotent.
	assert.Equal(t, dsns, OrgDatabases(t, backend, 1, 2))
}
