// Package datasource holds the per-organization MySQL stores used during job execution.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoStore is returned for orgs without a configured store.
var ErrNoStore = errors.New("no data store configured")

// Manager owns one *sqlx.DB per org.
type Manager struct {
	Log *zap.Logger

	mu  sync.RWMutex
	dbs map[int64]*sqlx.DB
}

// NewManager creates an empty manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		Log: log,
		dbs: make(map[int64]*sqlx.DB),
	}
}

// Open connects to the store of every org that has a DSN.
// Orgs without DSN are skipped.
func (m *Manager) Open(ctx context.Context, orgIDs []int64, sources orgconfig.DataSources) error {
	for _, orgID := range orgIDs {
		dsn, ok := sources.DataSource(orgID)
		if !ok {
			continue
		}
		db, err := open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("org %d: %w", orgID, err)
		}
		m.Add(orgID, db)
		m.Log.Info("Connected to org data store", zap.Int64("org", orgID))
	}
	return nil
}

func open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	config, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	config.ParseTime = true
	config.Loc = time.UTC
	db, err := sqlx.Open("mysql", config.FormatDSN())
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	return db, nil
}

// Add registers an open store for an org.
func (m *Manager) Add(orgID int64, db *sqlx.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbs[orgID] = db
}

// Get returns the store of an org.
func (m *Manager) Get(orgID int64) (*sqlx.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.dbs[orgID]
	if !ok {
		return nil, ErrNoStore
	}
	return db, nil
}

// Close closes all stores, attempting every one regardless of individual failures.
func (m *Manager) Close() error {
	m.mu.Lock()
	dbs := m.dbs
	m.dbs = make(map[int64]*sqlx.DB)
	m.mu.Unlock()
	var err error
	for orgID, db := range dbs {
		if closeErr := db.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("org %d: %w", orgID, closeErr))
		}
	}
	return err
}
