package connections

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned for orgs that were never initialized.
var ErrNotFound = errors.New("connection not found")

// Registry stores one descriptor per organization.
type Registry struct {
	log         *zap.Logger
	mu          sync.RWMutex
	descriptors map[int64]*Descriptor
	initialized bool
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:         log,
		descriptors: make(map[int64]*Descriptor),
	}
}

// Initialize builds a descriptor for every distinct org.
// If any org fails to resolve, nothing is stored and the error is returned.
// Subsequent calls are no-ops.
func (r *Registry) Initialize(orgIDs []int64, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		r.log.Warn("Connections already initialized, ignoring")
		return nil
	}
	descriptors := make(map[int64]*Descriptor, len(orgIDs))
	for _, orgID := range orgIDs {
		if _, ok := descriptors[orgID]; ok {
			continue
		}
		d, err := factory(orgID)
		if err != nil {
			return err
		}
		descriptors[orgID] = d
	}
	r.descriptors = descriptors
	r.initialized = true
	r.log.Info("Initialized connections", zap.Int("orgs", len(descriptors)))
	return nil
}

// Get returns the descriptor of an org.
func (r *Registry) Get(orgID int64) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Initialized reports whether Initialize succeeded.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}
