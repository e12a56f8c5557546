package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	name   string
	org    int64
	typ    string
	counts redisqueue.Counts
	err    error
}

func (f *fakeSource) QueueName() string { return f.name }
func (f *fakeSource) OrgID() int64      { return f.org }
func (f *fakeSource) JobType() string   { return f.typ }
func (f *fakeSource) JobCounts(context.Context) (redisqueue.Counts, error) {
	return f.counts, f.err
}

func TestBuild(t *testing.T) {
	h, err := Build(zaptest.NewLogger(t), []Source{
		&fakeSource{name: "fq-1-prediction", org: 1, typ: "prediction", counts: redisqueue.Counts{Waiting: 2}},
		&fakeSource{name: "fq-1-upsertion", org: 1, typ: "upsert", err: errors.New("connection refused")},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "fq-1-prediction", entries[0].QueueName)
	assert.Equal(t, int64(2), entries[0].Counts.Waiting)
	assert.Nil(t, entries[1].Counts)
	assert.Equal(t, "connection refused", entries[1].Error)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/fq-1-prediction", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuild_Invalid(t *testing.T) {
	_, err := Build(zaptest.NewLogger(t), nil)
	assert.Error(t, err)
	_, err = Build(zaptest.NewLogger(t), []Source{&fakeSource{name: "a"}, &fakeSource{name: "a"}})
	assert.EqualError(t, err, "duplicate queue a")
}

func TestUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	Unavailable(errors.New("no queues")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"dashboard unavailable","reason":"no queues"}`, rec.Body.String())
}
