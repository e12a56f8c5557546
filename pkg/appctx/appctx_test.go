package appctx

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSignals(t *testing.T) {
	ctx, cancel := WithSignals(context.Background(), syscall.SIGUSR1)
	defer cancel()
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled by signal")
	}
}

func TestWithSignals_Cancel(t *testing.T) {
	ctx, cancel := WithSignals(context.Background(), syscall.SIGUSR2)
	cancel()
	<-ctx.Done()
	assert.Equal(t, context.Canceled, ctx.Err())
}
