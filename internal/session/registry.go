package session

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/remote-agent-terminal/agentrelay/internal/agent"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// Registry owns at most one Manager per agent type, created on first use.
type Registry struct {
	catalog *agent.Catalog
	build   func(spec agent.Spec) Config

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a registry. build returns the manager configuration
// for an agent.
func NewRegistry(catalog *agent.Catalog, build func(spec agent.Spec) Config) *Registry {
	return &Registry{
		catalog:  catalog,
		build:    build,
		managers: make(map[string]*Manager),
	}
}

// Catalog returns the agent catalog.
func (r *Registry) Catalog() *agent.Catalog {
	return r.catalog
}

// GetOrCreate returns the manager for agentType, creating it if needed.
func (r *Registry) GetOrCreate(agentType string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[agentType]; ok {
		return m, nil
	}
	spec, err := r.catalog.Lookup(agentType)
	if err != nil {
		return nil, err
	}
	m := NewManager(r.build(spec))
	r.managers[agentType] = m
	return m, nil
}

// Get returns the manager for agentType if one exists.
func (r *Registry) Get(agentType string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[agentType]
	return m, ok
}

// Managers returns the existing managers.
func (r *Registry) Managers() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// Cleanup ends agentType's session, if any, and drops its manager.
func (r *Registry) Cleanup(ctx context.Context, agentType string) error {
	r.mu.Lock()
	m, ok := r.managers[agentType]
	delete(r.managers, agentType)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if _, err := m.End(ctx, false); err != nil && !errors.Is(err, model.ErrNoActiveSession) {
		return err
	}
	return nil
}

// Close ends every active session.
func (r *Registry) Close(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range r.Managers() {
		g.Go(func() error {
			if _, err := m.End(ctx, false); err != nil && !errors.Is(err, model.ErrNoActiveSession) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
