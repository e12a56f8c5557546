// Package resources bundles the process-wide components shared by running jobs.
package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.od2.network/orgqueue/pkg/abort"
	"go.od2.network/orgqueue/pkg/cachegc"
	"go.od2.network/orgqueue/pkg/datasource"
	"go.od2.network/orgqueue/pkg/relay"
	"go.od2.network/orgqueue/pkg/usage"
)

// EventPublisher streams events of a running job back to its client.
type EventPublisher interface {
	Publish(ctx context.Context, orgID int64, env *relay.Envelope) error
}

// Resources are constructed once per process and shared read-mostly.
// The abort registry is the only member mutated per job.
type Resources struct {
	Components *Components
	Cache      *cachegc.Cache
	Aborts     *abort.Registry
	Usage      *usage.Tracker
	Data       *datasource.Manager
	Events     EventPublisher
}

// Components is a registry of named components available to jobs,
// such as node implementations or model clients.
type Components struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

// NewComponents creates an empty registry.
func NewComponents() *Components {
	return &Components{m: make(map[string]interface{})}
}

// Register adds a component. Names are unique.
func (c *Components) Register(name string, component interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[name]; ok {
		return fmt.Errorf("component %q already registered", name)
	}
	c.m[name] = component
	return nil
}

// Get looks up a component.
func (c *Components) Get(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	component, ok := c.m[name]
	return component, ok
}

// Names lists the registered components in sorted order.
func (c *Components) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.m))
	for name := range c.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
