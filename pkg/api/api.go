// Package api is the HTTP surface of the server process.
// It enqueues jobs, requests aborts, and streams chat events back to clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.uber.org/zap"
)

// MaxPayload bounds request bodies.
const MaxPayload = 8 << 20

// Queues resolves the queues of an org.
type Queues interface {
	GetQueue(orgID int64, t queues.JobType) (queues.Queue, error)
	PredictionQueue(orgID int64) (*queues.PredictionQueue, error)
	Dashboard() http.Handler
}

// Relay subscribes this process to the events of a chat.
type Relay interface {
	Subscribe(ctx context.Context, channel string, orgID int64) error
	Unsubscribe(ctx context.Context, channel string, orgID int64) error
}

// Streamer serves the events of a chat to one client.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, chatID string)
}

// Server routes API requests.
type Server struct {
	Log      *zap.Logger
	Queues   Queues
	Relay    Relay
	Streamer Streamer
}

// EnqueueResponse is returned for accepted jobs.
type EnqueueResponse struct {
	JobID string `json:"jobId"`
	Queue string `json:"queue"`
	State string `json:"state"`
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/api/v1/orgs/{org}", func(r chi.Router) {
		r.Post("/predictions", s.enqueue(queues.Prediction))
		r.Post("/upserts", s.enqueue(queues.Upsert))
		r.Get("/jobs/{job}", s.getJob)
		r.Post("/jobs/{job}/abort", s.abort)
		r.Get("/chats/{chat}/events", s.events)
	})
	if dash := s.Queues.Dashboard(); dash != nil {
		r.Mount("/admin", dash)
	}
	return r
}

func (s *Server) enqueue(t queues.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := s.orgID(w, r)
		if !ok {
			return
		}
		q, err := s.Queues.GetQueue(orgID, t)
		if err != nil {
			s.fail(w, err)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayload))
		if err != nil {
			s.fail(w, err)
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "payload is not valid JSON")
			return
		}
		job, err := q.Enqueue(r.Context(), json.RawMessage(body), &redisqueue.AddOptions{
			JobID: r.URL.Query().Get("jobId"),
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, EnqueueResponse{
			JobID: job.ID,
			Queue: q.QueueName(),
			State: string(job.State),
		})
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgID(w, r)
	if !ok {
		return
	}
	t := queues.JobType(r.URL.Query().Get("type"))
	if t == "" {
		t = queues.Prediction
	}
	q, err := s.Queues.GetQueue(orgID, t)
	if err != nil {
		s.fail(w, err)
		return
	}
	job, err := q.GetJob(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgID(w, r)
	if !ok {
		return
	}
	q, err := s.Queues.PredictionQueue(orgID)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobID := chi.URLParam(r, "job")
	if err := q.PublishAbort(r.Context(), jobID); err != nil {
		s.fail(w, err)
		return
	}
	s.Log.Info("Abort requested", zap.Int64("org", orgID), zap.String("job", jobID))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgID(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chat")
	if err := s.Relay.Subscribe(r.Context(), chatID, orgID); err != nil {
		s.fail(w, err)
		return
	}
	defer func() {
		if err := s.Relay.Unsubscribe(context.Background(), chatID, orgID); err != nil {
			s.Log.Warn("Failed to unsubscribe chat", zap.Int64("org", orgID), zap.String("chat", chatID), zap.Error(err))
		}
	}()
	s.Streamer.Serve(w, r, chatID)
}

func (s *Server) orgID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orgID, err := strconv.ParseInt(chi.URLParam(r, "org"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid org %q", chi.URLParam(r, "org")))
		return 0, false
	}
	return orgID, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queues.ErrNotFound), errors.Is(err, redisqueue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.Log.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
