package actions

import (
	"sort"
	"sync"

	"github.com/rendis/spiral/pkg/schema"
)

// Registry is the thread-safe lookup table from action kind to handler.
// Only kinds of the closed set can be registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.ActionKind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.ActionKind]Handler),
	}
}

// Register adds a handler. Returns an error on duplicates and unknown kinds.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "handler is nil")
	}
	kind := h.Kind()
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "action kind %q is not part of the action set", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Get returns the handler for kind. An unknown kind is a configuration error.
func (r *Registry) Get(kind schema.ActionKind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no handler for action kind %q", kind)
	}
	return h, nil
}

// Has checks if a handler is registered for kind.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []schema.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.ActionKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Missing returns the kinds of the closed set that have no handler.
func (r *Registry) Missing() []schema.ActionKind {
	var out []schema.ActionKind
	for _, k := range schema.ActionKinds() {
		if !r.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
