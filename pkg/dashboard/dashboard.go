// Package dashboard serves a read-only listing of queues and their job counts.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.uber.org/zap"
)

// Source is a queue shown on the dashboard.
type Source interface {
	QueueName() string
	OrgID() int64
	JobType() string
	JobCounts(ctx context.Context) (redisqueue.Counts, error)
}

// Entry is one row of the listing.
type Entry struct {
	QueueName string             `json:"queueName"`
	OrgID     int64              `json:"orgId"`
	JobType   string             `json:"jobType"`
	Counts    *redisqueue.Counts `json:"counts,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// CountTimeout bounds the count queries of one listing.
var CountTimeout = 5 * time.Second

// Build assembles the dashboard over the given queues.
func Build(log *zap.Logger, sources []Source) (http.Handler, error) {
	if len(sources) == 0 {
		return nil, errors.New("no queues to show")
	}
	byName := make(map[string]Source, len(sources))
	for _, src := range sources {
		name := src.QueueName()
		if name == "" {
			return nil, errors.New("queue without name")
		}
		if _, ok := byName[name]; ok {
			return nil, fmt.Errorf("duplicate queue %s", name)
		}
		byName[name] = src
	}
	d := &dashboard{log: log, sources: sources, byName: byName}
	r := chi.NewRouter()
	r.Get("/", d.list)
	r.Get("/queues", d.list)
	r.Get("/queues/{name}", d.get)
	return r, nil
}

type dashboard struct {
	log     *zap.Logger
	sources []Source
	byName  map[string]Source
}

func (d *dashboard) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), CountTimeout)
	defer cancel()
	entries := make([]Entry, len(d.sources))
	for i, src := range d.sources {
		entries[i] = d.entry(ctx, src)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (d *dashboard) get(w http.ResponseWriter, r *http.Request) {
	src, ok := d.byName[chi.URLParam(r, "name")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue not found"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), CountTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, d.entry(ctx, src))
}

func (d *dashboard) entry(ctx context.Context, src Source) Entry {
	entry := Entry{
		QueueName: src.QueueName(),
		OrgID:     src.OrgID(),
		JobType:   src.JobType(),
	}
	counts, err := src.JobCounts(ctx)
	if err != nil {
		d.log.Warn("Failed to count jobs", zap.String("queue", entry.QueueName), zap.Error(err))
		entry.Error = err.Error()
	} else {
		entry.Counts = &counts
	}
	return entry
}

// Unavailable returns the stub served when the dashboard could not be built.
func Unavailable(reason error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "dashboard unavailable",
			"reason": reason.Error(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
