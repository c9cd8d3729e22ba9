package dbpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantry-io/gantry/internal/config"
)

// Manager is the registry of named pools built from the databasePools
// configuration section.
type Manager struct {
	mu          sync.RWMutex
	pools       map[string]*Pool
	descriptors map[string]config.Pool
	order       []string
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{
		pools:       make(map[string]*Pool),
		descriptors: make(map[string]config.Pool),
	}
}

// Configure builds one pool per descriptor and starts its maintenance.
// A bad descriptor (unknown driver, duplicate name) fails the whole call; an
// unreachable database does not, the pool warms up in the background once it
// recovers.
func (m *Manager) Configure(ctx context.Context, descriptors []config.Pool) error {
	for _, desc := range descriptors {
		driver, err := NewDriver(desc)
		if err != nil {
			return err
		}
		pool := NewPool(desc, driver)
		pool.Start(ctx)

		if err := m.register(desc, pool); err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			pool.Shutdown(shutdownCtx)
			cancel()
			return err
		}
		slog.Info("database pool configured",
			"pool", desc.Name, "driver", driver.Kind(),
			"min_size", desc.MinSize, "max_size", desc.MaxSize)
	}
	return nil
}

// Reconfigure diffs the registry against a fresh descriptor set. Pools whose
// descriptor is unchanged keep running with their connections intact; removed
// or changed pools drain under the grace period and changed ones restart on
// the new descriptor.
func (m *Manager) Reconfigure(ctx context.Context, descriptors []config.Pool, grace time.Duration) error {
	m.mu.Lock()
	var drain []*Pool
	fresh := make([]config.Pool, 0, len(descriptors))
	next := make(map[string]bool, len(descriptors))
	for _, desc := range descriptors {
		next[desc.Name] = true
		old, exists := m.descriptors[desc.Name]
		if exists && old.Equal(desc) {
			continue
		}
		if exists {
			drain = append(drain, m.pools[desc.Name])
			m.removeLocked(desc.Name)
		}
		fresh = append(fresh, desc)
	}
	for _, name := range append([]string(nil), m.order...) {
		if !next[name] {
			drain = append(drain, m.pools[name])
			m.removeLocked(name)
		}
	}
	m.mu.Unlock()

	if len(drain) > 0 {
		drainCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		g, drainCtx := errgroup.WithContext(drainCtx)
		for _, p := range drain {
			p := p
			g.Go(func() error { return p.Shutdown(drainCtx) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("pool reconfigure: %w", err)
		}
		slog.Info("reconfigure drained pools", "count", len(drain))
	}
	return m.Configure(ctx, fresh)
}

// Register adds a prebuilt pool to the registry. Used by tests and callers
// that construct pools themselves; Configure is the usual path.
func (m *Manager) Register(pool *Pool) error {
	return m.register(config.Pool{Name: pool.Name()}, pool)
}

func (m *Manager) register(desc config.Pool, pool *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[pool.Name()]; exists {
		return fmt.Errorf("duplicate pool name %q", pool.Name())
	}
	m.pools[pool.Name()] = pool
	m.descriptors[pool.Name()] = desc
	m.order = append(m.order, pool.Name())
	return nil
}

// removeLocked drops a pool from the registry without shutting it down.
func (m *Manager) removeLocked(name string) {
	delete(m.pools, name)
	delete(m.descriptors, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns the named pool.
func (m *Manager) Get(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Names returns pool names in configuration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// StatsAll reports occupancy for every pool in configuration order.
func (m *Manager) StatsAll() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.pools[name].Stats())
	}
	return out
}

// HealthCheck probes every pool and returns the first failure.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.order))
	for _, name := range m.order {
		pools = append(pools, m.pools[name])
	}
	m.mu.RUnlock()

	for _, p := range pools {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("pool %q: %w", p.Name(), err)
		}
	}
	return nil
}

// ShutdownAll drains every pool in parallel and returns once all have
// drained or the grace period elapses.
func (m *Manager) ShutdownAll(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.order))
	for _, name := range m.order {
		pools = append(pools, m.pools[name])
	}
	m.pools = make(map[string]*Pool)
	m.descriptors = make(map[string]config.Pool)
	m.order = nil
	m.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	g, drainCtx := errgroup.WithContext(drainCtx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			return p.Shutdown(drainCtx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pool shutdown: %w", err)
	}
	slog.Info("all database pools shut down", "count", len(pools))
	return nil
}
