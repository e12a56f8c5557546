package mariadbtest

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/exectest"
)

const (
	mysqldPath    = "/usr/sbin/mysqld"
	installDBPath = "/usr/bin/mysql_install_db"
	// defaultDB is created on startup, the subprocess has no database otherwise.
	defaultDB = "root"
)

// SupportsSubprocess reports whether a local MariaDB server is installed.
func SupportsSubprocess() bool {
	for _, path := range []string{mysqldPath, installDBPath} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Subprocess is a local MariaDB server in a temp dir, authenticating
// the current user over its unix socket.
type Subprocess struct {
	Dir    string
	Proc   *exectest.Process
	config *mysql.Config
}

var _ Backend = (*Subprocess)(nil)

// NewSubprocess bootstraps a data dir and starts the server.
func NewSubprocess(t testing.TB) *Subprocess {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.Mkdir(dataDir, 0750), "Creating data dir")
	user := os.Getenv("USER")
	require.NotEmpty(t, user, "Reading $USER")

	install := exec.Command(installDBPath,
		"--user="+user,
		"--datadir="+dataDir,
		"--auth-root-authentication-method=socket",
		"--auth-root-socket-user="+user,
		"--skip-test-db",
		"--skip-name-resolve",
		"--force")
	install.Stdout = &exectest.LineWriter{TB: t, Prefix: "mysql_install_db: "}
	install.Stderr = &exectest.LineWriter{TB: t, Prefix: "mysql_install_db (stderr): "}
	require.NoError(t, install.Run(), "Running mysql_install_db")

	socket := filepath.Join(dir, "mysql.sock")
	proc := exectest.Start(t, "mysqld", exec.Command(mysqldPath,
		"--no-defaults",
		"--datadir", dataDir,
		"--skip-networking",
		"--socket", socket))

	config := mysql.NewConfig()
	config.Net = "unix"
	config.Addr = socket
	config.User = user
	db, err := sql.Open("mysql", config.FormatDSN())
	require.NoError(t, err)
	defer db.Close()
	err = proc.WaitReady(context.Background(), 30*time.Second, db.PingContext, func(err error) bool {
		return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED)
	})
	require.NoError(t, err, "Starting MariaDB")
	_, err = db.Exec("CREATE DATABASE " + defaultDB)
	require.NoError(t, err, "Creating default database")
	t.Log("mariadbtest: MariaDB is up in", dir)
	return &Subprocess{Dir: dir, Proc: proc, config: config}
}

// MySQLConfig returns the base config without database.
func (s *Subprocess) MySQLConfig() *mysql.Config {
	return s.config
}

// DSN formats the DSN of a database, "" selects the default one.
func (s *Subprocess) DSN(name string) string {
	config := s.config.Clone()
	if name == "" {
		name = defaultDB
	}
	config.DBName = name
	return config.FormatDSN()
}

// DB opens a database, "" selects the default one.
func (s *Subprocess) DB(name string) (*sql.DB, error) {
	return openDSN(s.DSN(name))
}

// Close stops the server. The data dir is removed on test cleanup.
func (s *Subprocess) Close(testing.TB) {
	s.Proc.Stop()
}
