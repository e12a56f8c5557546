package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.od2.network/orgqueue/pkg/redistest"
	"go.od2.network/orgqueue/pkg/resources"
	"go.uber.org/zap/zaptest"
)

type fakeRelay struct {
	subscribed   []string
	unsubscribed []string
}

func (f *fakeRelay) Subscribe(_ context.Context, channel string, orgID int64) error {
	f.subscribed = append(f.subscribed, channel)
	return nil
}

func (f *fakeRelay) Unsubscribe(_ context.Context, channel string, orgID int64) error {
	f.unsubscribed = append(f.unsubscribed, channel)
	return nil
}

type fakeStreamer struct{}

func (fakeStreamer) Serve(w http.ResponseWriter, _ *http.Request, chatID string) {
	_, _ = w.Write([]byte("data: " + chatID + "\n\n"))
}

func newTestServer(t *testing.T, orgs orgconfig.Static, dashboard bool) (*Server, *queues.Manager) {
	m := queues.NewManager(zaptest.NewLogger(t), queues.Config{Prefix: "test", Dashboard: dashboard})
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(orgs.OrgIDs(), connections.NewFactory(orgs, connections.DefaultSettings)))
	require.NoError(t, m.SetupQueues(orgs.OrgIDs(), &resources.Resources{}, nil))
	return &Server{
		Log:      zaptest.NewLogger(t),
		Queues:   m,
		Relay:    new(fakeRelay),
		Streamer: fakeStreamer{},
	}, m
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestServer_Errors(t *testing.T) {
	s, _ := newTestServer(t, orgconfig.Static{1: {Host: "redis-1", Port: 6379}}, false)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/orgs/x/predictions", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/v1/orgs/2/predictions", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/v1/orgs/2/jobs/j1/abort", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/orgs/1/upserts", `{oops`).Code)
	assert.Equal(t, http.StatusNoContent, do(h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/admin/queues", "").Code)
}

func TestServer_Events(t *testing.T) {
	s, _ := newTestServer(t, orgconfig.Static{1: {Host: "redis-1", Port: 6379}}, false)
	rec := do(s.Handler(), http.MethodGet, "/api/v1/orgs/1/chats/c1/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: c1\n\n", rec.Body.String())
	assert.Equal(t, []string{"c1"}, s.Relay.(*fakeRelay).subscribed)
	// The chat is released once the stream ends.
	assert.Equal(t, []string{"c1"}, s.Relay.(*fakeRelay).unsubscribed)
}

func TestServer_EnqueueAndAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	s, m := newTestServer(t, redistest.Orgs(instance), true)
	h := s.Handler()

	rec := do(h, http.MethodPost, "/api/v1/orgs/1/predictions?jobId=j1", `{"question":"hi"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, EnqueueResponse{JobID: "j1", Queue: "test-1-prediction", State: "waiting"}, res)

	rec = do(h, http.MethodGet, "/api/v1/orgs/1/jobs/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job redisqueue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.JSONEq(t, `{"question":"hi"}`, string(job.Data))
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/v1/orgs/1/jobs/nope", "").Code)

	pq, err := m.PredictionQueue(1)
	require.NoError(t, err)
	events := make(chan redisqueue.Event, 1)
	listener := pq.Events(func(_ context.Context, ev redisqueue.Event) {
		if ev.Name == redisqueue.EventAbort {
			events <- ev
		}
	})
	go func() { _ = listener.Run(ctx) }()
	<-listener.Ready()

	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/api/v1/orgs/1/jobs/j1/abort", "").Code)
	select {
	case ev := <-events:
		assert.Equal(t, "j1", ev.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("abort event not published")
	}

	rec = do(h, http.MethodGet, "/admin/queues", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-1-upsertion")
}
