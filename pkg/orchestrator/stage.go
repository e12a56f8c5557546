package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrStageTimeout is returned for shutdown steps that did not finish in time.
var ErrStageTimeout = errors.New("shutdown stage timed out")

// Closer is a component stopped during shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

// Close calls f.
func (f CloserFunc) Close(ctx context.Context) error {
	return f(ctx)
}

// RunStage runs fn bounded by timeout.
// On timeout fn is left running and ErrStageTimeout is returned.
func RunStage(ctx context.Context, log *zap.Logger, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			log.Warn("Shutdown stage failed", zap.String("stage", name), zap.Error(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		log.Warn("Shutdown stage timed out",
			zap.String("stage", name),
			zap.Duration("timeout", timeout))
		return fmt.Errorf("%s: %w", name, ErrStageTimeout)
	}
}

// CloseAll closes every closer concurrently, each raced against its own timeout.
// Returns after all closers finished or timed out.
func CloseAll(ctx context.Context, log *zap.Logger, timeout time.Duration, closers map[string]Closer) error {
	names := make([]string, 0, len(closers))
	for name := range closers {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	for _, name := range names {
		name, closer := name, closers[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if stageErr := RunStage(ctx, log, name, timeout, closer.Close); stageErr != nil {
				mu.Lock()
				err = multierr.Append(err, stageErr)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return err
}
