// Package exectest runs the server subprocesses of redistest and mariadbtest.
package exectest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExited is returned while waiting for a process that already exited.
var ErrExited = errors.New("process exited")

// Process is a command running for the duration of a test.
type Process struct {
	Name string
	Cmd  *exec.Cmd

	done chan struct{}
	err  error
	once sync.Once
}

// Start runs cmd in the background and forwards its output to the test log,
// each line prefixed with name. The process is killed on test cleanup.
func Start(tb testing.TB, name string, cmd *exec.Cmd) *Process {
	p := &Process{Name: name, Cmd: cmd, done: make(chan struct{})}
	stdout := &LineWriter{TB: tb, Prefix: name + ": "}
	stderr := &LineWriter{TB: tb, Prefix: name + " (stderr): "}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Start(); err != nil {
		tb.Fatalf("%s: failed to start: %v", name, err)
	}
	go func() {
		// Wait returns after all output was copied.
		p.err = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.done)
	}()
	tb.Cleanup(p.Stop)
	return p
}

// LineWriter logs written output line by line.
type LineWriter struct {
	TB     testing.TB
	Prefix string

	mu      sync.Mutex
	partial []byte
}

func (w *LineWriter) Write(buf []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, buf...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.TB.Log(w.Prefix + string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(buf), nil
}

// Flush logs a trailing line without newline.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.TB.Log(w.Prefix + string(w.partial))
		w.partial = nil
	}
}

// Done closes when the process exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop kills the process and waits for it. Stop is idempotent.
func (p *Process) Stop() {
	p.once.Do(func() {
		if p.Cmd.Process != nil {
			_ = p.Cmd.Process.Kill()
		}
	})
	<-p.done
}

// WaitReady calls probe until it succeeds, the process exits or timeout passes.
// Errors for which retry returns false abort the wait.
func (p *Process) WaitReady(ctx context.Context, timeout time.Duration, probe func(ctx context.Context) error, retry func(error) bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		select {
		case <-p.done:
			return backoff.Permanent(fmt.Errorf("%s: %w: %v", p.Name, ErrExited, p.err))
		default:
		}
		err := probe(ctx)
		if err != nil && !retry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("%s not ready: %w", p.Name, err)
	}
	return nil
}
