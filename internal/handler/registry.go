// Package handler implements the Handler Registry & Default Handler
// (spec.md §4.3): a task_type → handler map, falling back to a
// configured adapter-dispatch default, with the mandatory-credential /
// optional-proxy concurrency policy and outbound HTTP instrumentation.
package handler

import (
	"sync"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// Registry is the map-based domain.HandlerRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	byType  map[string]domain.Handler
	dflt    domain.Handler
}

// NewRegistry builds an empty registry with no default handler set.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]domain.Handler)}
}

func (r *Registry) Register(taskType string, h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = h
}

func (r *Registry) Lookup(taskType string) (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byType[taskType]
	return h, ok
}

func (r *Registry) Default() (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dflt, r.dflt != nil
}

func (r *Registry) SetDefault(h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dflt = h
}
