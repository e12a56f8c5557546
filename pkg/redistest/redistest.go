// Package redistest starts throwaway Redis servers for org queue tests.
package redistest

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/orgqueue/pkg/exectest"
	"go.od2.network/orgqueue/pkg/orgconfig"
)

// StartupTimeout bounds the wait for a new server.
const StartupTimeout = 5 * time.Second

// Redis is a Redis server listening on a unix socket, with a client attached.
type Redis struct {
	Client *redis.Client
	Socket string

	proc *exectest.Process
	once sync.Once
}

// Supported reports whether redis-server is installed.
func Supported() bool {
	_, err := exec.LookPath("redis-server")
	return err == nil
}

// NewRedis starts a server in a temp dir removed after the test.
// Skips the test if redis-server is not installed.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if !Supported() {
		t.Skip("redistest: redis-server not installed")
	}
	dir := t.TempDir()
	socket := filepath.Join(dir, "redis.sock")
	cmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--save", "",
		"--appendonly", "no")
	cmd.Dir = dir
	r := &Redis{
		Client: redis.NewClient(&redis.Options{Network: "unix", Addr: socket}),
		Socket: socket,
		proc:   exectest.Start(t, "redis", cmd),
	}
	t.Cleanup(func() { r.Close(t) })
	err := r.proc.WaitReady(ctx, StartupTimeout, func(ctx context.Context) error {
		return r.Client.Ping(ctx).Err()
	}, starting)
	if err != nil {
		t.Fatal("redistest:", err)
	}
	return r
}

// starting matches errors of a server that has not opened its socket yet.
func starting(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, redis.ErrClosed)
}

// Target returns the org config target of the server.
func (r *Redis) Target() orgconfig.Redis {
	return orgconfig.Redis{Network: "unix", Host: r.Socket}
}

// Orgs assigns the servers to org IDs 1..n in order.
func Orgs(servers ...*Redis) orgconfig.Static {
	orgs := make(orgconfig.Static, len(servers))
	for i, r := range servers {
		orgs[int64(i+1)] = r.Target()
	}
	return orgs
}

// Close stops the client and server. Close is idempotent and
// also runs on test cleanup.
func (r *Redis) Close(t testing.TB) {
	r.once.Do(func() {
		_ = r.Client.Close()
		r.proc.Stop()
	})
}
