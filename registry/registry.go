// Package registry maintains a cached view of the service catalog.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/scheduler"
)

// Source loads the raw service catalog. The datastore services collection
// satisfies this.
type Source interface {
	All(ctx context.Context) (map[string]*datastore.ServiceDefinition, error)
}

// Registry caches service definitions and refreshes them from its source
// when the cache goes stale. Reads between refreshes see one consistent
// snapshot.
type Registry struct {
	source          Source
	stages          map[string]bool
	refreshInterval time.Duration
	logger          *slog.Logger

	mu            sync.RWMutex
	services      map[string]*datastore.ServiceDefinition
	categories    map[string][]string
	lastRefreshed time.Time
}

// New creates a Registry over the given source. Definitions whose stage is
// not in the pipeline are dropped at refresh with a warning.
func New(source Source, stages []string, refreshInterval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	stageSet := make(map[string]bool, len(stages))
	for _, stage := range stages {
		stageSet[stage] = true
	}
	return &Registry{
		source:          source,
		stages:          stageSet,
		refreshInterval: refreshInterval,
		logger:          logger,
	}
}

// Refresh reloads the catalog from the source unconditionally.
func (r *Registry) Refresh(ctx context.Context) error {
	raw, err := r.source.All(ctx)
	if err != nil {
		return fmt.Errorf("load service catalog: %w", err)
	}

	services := make(map[string]*datastore.ServiceDefinition, len(raw))
	for name, def := range raw {
		def.ApplyDefaults()
		if !r.stages[def.Stage] {
			r.logger.Warn("service stage not in pipeline, dropping from catalog",
				"service", name, "stage", def.Stage)
			continue
		}
		services[name] = def
	}

	r.mu.Lock()
	r.services = services
	r.categories = scheduler.CategoryMap(services)
	r.lastRefreshed = time.Now()
	r.mu.Unlock()

	r.logger.Debug("service catalog refreshed", "services", len(services))
	return nil
}

// Services returns the current catalog, refreshing first if stale. The
// returned map is shared; callers must not mutate it.
func (r *Registry) Services(ctx context.Context) (map[string]*datastore.ServiceDefinition, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services, nil
}

// Lookup returns one service definition by name.
func (r *Registry) Lookup(ctx context.Context, name string) (*datastore.ServiceDefinition, bool, error) {
	services, err := r.Services(ctx)
	if err != nil {
		return nil, false, err
	}
	def, ok := services[name]
	return def, ok, nil
}

// Categories returns the category to member-services mapping.
func (r *Registry) Categories(ctx context.Context) (map[string][]string, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.categories, nil
}

// LastRefreshed returns when the catalog was last loaded.
func (r *Registry) LastRefreshed() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefreshed
}

func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	fresh := !r.lastRefreshed.IsZero() && time.Since(r.lastRefreshed) < r.refreshInterval
	loaded := r.services != nil
	r.mu.RUnlock()

	if fresh {
		return nil
	}
	if err := r.Refresh(ctx); err != nil {
		// A stale catalog beats no catalog when the source is down.
		if loaded {
			r.logger.Warn("catalog refresh failed, serving stale snapshot", "error", err)
			return nil
		}
		return err
	}
	return nil
}
