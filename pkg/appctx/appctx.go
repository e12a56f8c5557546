// Package appctx provides a process context canceled by termination signals.
package appctx

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var once sync.Once
var ctx context.Context

// Context returns the application context that closes on SIGINT or SIGTERM.
// It is safe to call this function multiple times, it will return the same context object.
func Context() context.Context {
	once.Do(func() {
		ctx, _ = WithSignals(context.Background(), os.Interrupt, syscall.SIGTERM)
	})
	return ctx
}

// WithSignals returns a context canceled when one of sigs arrives or parent is done.
// The returned function stops listening and cancels the context.
func WithSignals(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, sigs...)
	go func() {
		defer signal.Stop(c)
		defer cancel()
		select {
		case <-c:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
