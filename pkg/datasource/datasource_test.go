package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/mariadbtest"
	"go.uber.org/zap/zaptest"
)

type dsnSource map[int64]string

func (d dsnSource) DataSource(orgID int64) (string, bool) {
	dsn, ok := d[orgID]
	return dsn, ok
}

func TestManager_NoStore(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Open(context.Background(), []int64{1, 2}, dsnSource{}))
	_, err := m.Get(1)
	assert.ErrorIs(t, err, ErrNoStore)
	assert.ErrorIs(t, m.RecordRun(context.Background(), 1, &Run{}), ErrNoStore)
	assert.NoError(t, m.Close())
}

func TestManager_InvalidDSN(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	err := m.Open(context.Background(), []int64{4}, dsnSource{4: "not a dsn"})
	assert.Error(t, err)
}

func TestManager_RecordRun(t *testing.T) {
	backend := mariadbtest.Default(t)
	ctx := context.Background()

	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Open(ctx, []int64{1, 2}, dsnSource{1: backend.DSN("")}))
	defer m.Close()
	_, err := m.Get(2)
	assert.ErrorIs(t, err, ErrNoStore)

	require.NoError(t, m.EnsureSchema(ctx, 1))
	finished := time.Now().UTC().Truncate(time.Millisecond)
	run := &Run{
		JobID:      "job-1",
		Queue:      "fq-1-prediction",
		State:      "failed",
		Attempts:   1,
		Error:      "boom",
		FinishedAt: finished,
	}
	require.NoError(t, m.RecordRun(ctx, 1, run))
	run.State = "completed"
	run.Attempts = 2
	run.Error = ""
	require.NoError(t, m.RecordRun(ctx, 1, run))

	runs, err := m.Runs(ctx, 1, "fq-1-prediction", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].State)
	assert.Equal(t, 2, runs[0].Attempts)
	assert.True(t, finished.Equal(runs[0].FinishedAt))
}

func TestManager_OrgIsolation(t *testing.T) {
	backend := mariadbtest.Default(t)
	ctx := context.Background()

	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.Open(ctx, []int64{1, 2}, dsnSource(mariadbtest.OrgDatabases(t, backend, 1, 2))))
	defer m.Close()
	for _, orgID := range []int64{1, 2} {
		require.NoError(t, m.EnsureSchema(ctx, orgID))
	}

	run := &Run{JobID: "job-1", Queue: "fq-1-upsertion", State: "completed", Attempts: 1, FinishedAt: time.Now().UTC()}
	require.NoError(t, m.RecordRun(ctx, 1, run))

	runs, err := m.Runs(ctx, 1, "fq-1-upsertion", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	runs, err = m.Runs(ctx, 2, "fq-1-upsertion", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
