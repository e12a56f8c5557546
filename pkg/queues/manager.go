// Package queues manages the per-organization prediction and upsert queues.
package queues

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"go.od2.network/orgqueue/pkg/abort"
	"go.od2.network/orgqueue/pkg/connections"
	"go.od2.network/orgqueue/pkg/dashboard"
	"go.od2.network/orgqueue/pkg/executor"
	"go.od2.network/orgqueue/pkg/redisqueue"
	"go.od2.network/orgqueue/pkg/resources"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for orgs or queues that were never set up.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRegistered is returned when a queue key is registered twice.
	ErrAlreadyRegistered = errors.New("queue already registered")
)

// Config holds the settings shared by all queues.
type Config struct {
	Prefix       string
	QueueOptions *redisqueue.Options
	Dashboard    bool
	// OnFinish is called after every settled attempt.
	OnFinish redisqueue.FinishHook
}

// Executors maps job types to the code running them.
// Processes that only enqueue need none.
type Executors map[JobType]executor.Executor

// QueueCounts are the job counts of one queue.
type QueueCounts struct {
	QueueName string            `json:"queueName"`
	OrgID     int64             `json:"orgId"`
	JobType   string            `json:"jobType"`
	Counts    redisqueue.Counts `json:"counts"`
}

// Manager knows which queues exist for which org.
//
// Initialize and SetupQueues run sequentially at boot.
// Afterwards the manager is read-only and safe for concurrent readers.
type Manager struct {
	Log    *zap.Logger
	Config Config

	connections *connections.Registry
	clients     map[int64]*redis.Client
	queues      map[Key]Queue
	order       []Key
	dashboard   http.Handler
}

// NewManager creates a manager without orgs.
func NewManager(log *zap.Logger, config Config) *Manager {
	if config.Prefix == "" {
		config.Prefix = "queue"
	}
	return &Manager{
		Log:         log,
		Config:      config,
		connections: connections.NewRegistry(log),
		clients:     make(map[int64]*redis.Client),
		queues:      make(map[Key]Queue),
	}
}

// Initialize builds the connection descriptor of every org.
// Fails with *orgconfig.ConfigurationError if an org has no Redis target.
// Subsequent calls are no-ops.
func (m *Manager) Initialize(orgIDs []int64, factory connections.Factory) error {
	return m.connections.Initialize(orgIDs, factory)
}

// GetConnection returns the connection descriptor of an org.
func (m *Manager) GetConnection(orgID int64) (*connections.Descriptor, error) {
	d, err := m.connections.Get(orgID)
	if err != nil {
		return nil, fmt.Errorf("connection of org %d: %w", orgID, ErrNotFound)
	}
	return d, nil
}

// Client returns the queue Redis client of an org.
func (m *Manager) Client(orgID int64) (*redis.Client, error) {
	rd, ok := m.clients[orgID]
	if !ok {
		return nil, fmt.Errorf("client of org %d: %w", orgID, ErrNotFound)
	}
	return rd, nil
}

// SetupQueues creates the prediction and upsert queues of every org.
// The dashboard is assembled best-effort and degrades to an unavailable stub.
func (m *Manager) SetupQueues(orgIDs []int64, res *resources.Resources, execs Executors) error {
	if res == nil {
		return errors.New("nil shared resources")
	}
	if res.Aborts == nil {
		res.Aborts = abort.NewRegistry()
	}
	for _, orgID := range orgIDs {
		d, err := m.GetConnection(orgID)
		if err != nil {
			return err
		}
		rd, ok := m.clients[orgID]
		if !ok {
			rd = connections.Dial(m.Log, d)
			m.clients[orgID] = rd
		}
		for _, t := range JobTypes {
			q := m.newQueue(rd, Key{OrgID: orgID, Type: t}, res, execs[t])
			if err := m.Register(q); errors.Is(err, ErrAlreadyRegistered) {
				m.Log.Warn("Queue already registered, ignoring", zap.String("queue", q.QueueName()))
			} else if err != nil {
				return err
			}
		}
	}
	m.Log.Info("Queues ready", zap.Int("queues", len(m.order)))
	if m.Config.Dashboard {
		m.dashboard = m.buildDashboard()
	}
	return nil
}

func (m *Manager) newQueue(rd *redis.Client, key Key, res *resources.Resources, exec executor.Executor) Queue {
	name := QueueName(m.Config.Prefix, key.OrgID, key.Type)
	base := &queue{
		log:      m.Log.With(zap.Int64("org", key.OrgID), zap.String("queue", name)),
		key:      key,
		durable:  redisqueue.New(rd, name, m.Config.QueueOptions),
		res:      res,
		exec:     exec,
		onFinish: m.Config.OnFinish,
	}
	if key.Type == Prediction {
		return newPredictionQueue(base)
	}
	return newUpsertQueue(base)
}

// Register adds a queue under its key.
func (m *Manager) Register(q Queue) error {
	key := q.Key()
	if _, ok := m.queues[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrAlreadyRegistered)
	}
	m.queues[key] = q
	m.order = append(m.order, key)
	return nil
}

func (m *Manager) buildDashboard() http.Handler {
	sources := make([]dashboard.Source, 0, len(m.order))
	for _, key := range m.order {
		sources = append(sources, m.queues[key])
	}
	h, err := dashboard.Build(m.Log, sources)
	if err != nil {
		m.Log.Warn("Dashboard unavailable", zap.Error(err))
		return dashboard.Unavailable(err)
	}
	return h
}

// Dashboard returns the dashboard handler, or nil if disabled.
func (m *Manager) Dashboard() http.Handler {
	return m.dashboard
}

// GetQueue returns the queue of an org and job type.
func (m *Manager) GetQueue(orgID int64, t JobType) (Queue, error) {
	q, ok := m.queues[Key{OrgID: orgID, Type: t}]
	if !ok {
		return nil, fmt.Errorf("%s queue of org %d: %w", t, orgID, ErrNotFound)
	}
	return q, nil
}

// PredictionQueue returns the prediction queue of an org.
func (m *Manager) PredictionQueue(orgID int64) (*PredictionQueue, error) {
	q, err := m.GetQueue(orgID, Prediction)
	if err != nil {
		return nil, err
	}
	pq, ok := q.(*PredictionQueue)
	if !ok {
		return nil, fmt.Errorf("prediction queue of org %d has type %T", orgID, q)
	}
	return pq, nil
}

// Queues lists the queues in registration order.
func (m *Manager) Queues() []Queue {
	list := make([]Queue, len(m.order))
	for i, key := range m.order {
		list[i] = m.queues[key]
	}
	return list
}

// GetAllJobCounts counts the jobs of every queue.
// Queues failing to count are left out and their errors combined.
func (m *Manager) GetAllJobCounts(ctx context.Context) ([]QueueCounts, error) {
	var err error
	counts := make([]QueueCounts, 0, len(m.order))
	for _, q := range m.Queues() {
		c, countErr := q.JobCounts(ctx)
		if countErr != nil {
			err = multierr.Append(err, countErr)
			continue
		}
		counts = append(counts, QueueCounts{
			QueueName: q.QueueName(),
			OrgID:     q.OrgID(),
			JobType:   q.JobType(),
			Counts:    c,
		})
	}
	return counts, err
}

// Close closes the Redis clients of all orgs.
func (m *Manager) Close() error {
	var err error
	for orgID, rd := range m.clients {
		if closeErr := rd.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("org %d: %w", orgID, closeErr))
		}
	}
	m.clients = make(map[int64]*redis.Client)
	return err
}
