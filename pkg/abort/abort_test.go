package abort

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRegistry_AbortUnknown(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Abort("nope"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_AbortOnce(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register(context.Background(), "job-1")
	require.NoError(t, err)

	var fired atomic.Int32
	stop := context.AfterFunc(h.Context(), func() { fired.Inc() })
	defer stop()

	assert.True(t, r.Abort("job-1"))
	assert.True(t, r.Abort("job-1"))
	<-h.Done()
	assert.True(t, h.Aborted())

	r.Release("job-1")
	assert.False(t, r.Abort("job-1"))
	assert.Equal(t, 0, r.Len())
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(context.Background(), "job-1")
	require.NoError(t, err)
	_, err = r.Register(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegistry_ReleaseWithoutAbort(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register(context.Background(), "job-1")
	require.NoError(t, err)
	r.Release("job-1")
	<-h.Done()
	assert.False(t, h.Aborted())
	_, err = r.Register(context.Background(), "job-1")
	assert.NoError(t, err, "released IDs can be registered again")
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		id := strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Register(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			r.Abort(id)
			<-h.Done()
			r.Release(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
