package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iancoleman/strcase"

	"github.com/instill-ai/indexing-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Factory builds a connector from the settings of a cc-pair.
type Factory func(ctx context.Context, s Settings) (Connector, error)

// Registry maps a source to the factory of its connector. Source tags are
// normalized to snake case, so "GoogleDrive" and "google_drive" name the
// same source.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func key(source types.DocumentSource) string {
	return strcase.ToSnake(string(source))
}

// Register binds a factory to a source, replacing any previous binding.
func (r *Registry) Register(source types.DocumentSource, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key(source)] = f
}

// Sources returns the registered sources, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.factories))
	for s := range r.factories {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}

// Instantiate builds the connector of the settings.
func (r *Registry) Instantiate(ctx context.Context, s Settings) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[key(s.Source)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector for source %q: %w", s.Source, errorsx.ErrNotFound)
	}

	c, err := f(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("instantiating %s connector: %w", s.Source, err)
	}
	return c, nil
}
