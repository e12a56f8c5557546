package exectest

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	testing.TB
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) Log(args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, args[0].(string))
}

func TestStart(t *testing.T) {
	rec := &lineRecorder{TB: t}
	p := Start(rec, "sh", exec.Command("sh", "-c", "echo one; printf two >&2"))
	<-p.Done()
	assert.NoError(t, p.Err())
	assert.ElementsMatch(t, []string{"sh: one", "sh (stderr): two"}, rec.lines)
}

func TestStart_Fail(t *testing.T) {
	p := Start(t, "sh", exec.Command("sh", "-c", "exit 3"))
	<-p.Done()
	var exitErr *exec.ExitError
	require.True(t, errors.As(p.Err(), &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestProcess_WaitReady(t *testing.T) {
	p := Start(t, "sleep", exec.Command("sleep", "30"))
	defer p.Stop()
	notYet := errors.New("not yet")
	tries := 0
	err := p.WaitReady(context.Background(), 5*time.Second, func(context.Context) error {
		if tries++; tries < 3 {
			return notYet
		}
		return nil
	}, func(err error) bool { return errors.Is(err, notYet) })
	assert.NoError(t, err)
	assert.Equal(t, 3, tries)

	broken := errors.New("broken")
	err = p.WaitReady(context.Background(), 5*time.Second, func(context.Context) error {
		return broken
	}, func(err error) bool { return false })
	assert.ErrorIs(t, err, broken)
}

func TestProcess_WaitReadyExited(t *testing.T) {
	p := Start(t, "true", exec.Command("true"))
	<-p.Done()
	err := p.WaitReady(context.Background(), time.Second, func(context.Context) error {
		return errors.New("refused")
	}, func(error) bool { return true })
	assert.ErrorIs(t, err, ErrExited)
}

func TestLineWriter(t *testing.T) {
	rec := &lineRecorder{TB: t}
	w := &LineWriter{TB: rec, Prefix: "p: "}
	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\nwor"))
	_, _ = w.Write([]byte("ld\nrest"))
	w.Flush()
	assert.Equal(t, []string{"p: hello", "p: world", "p: rest"}, rec.lines)
}
