package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

/*
Handler implements one RPC method. params is nil when the request carried
none. Returning an error wrapping errors.ErrWrongArgument answers Invalid
Parameters, an *errors.RpcError is sent as is, and anything else answers
Internal Error.
*/
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

/*
Registry maps method names to handlers. It is safe to register methods
while the server is running.
*/
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Handler)}
}

// Register adds or replaces the handler for method.
func (registry *Registry) Register(method string, handler Handler) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.methods[method] = handler
}

func (registry *Registry) Lookup(method string) (Handler, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	handler, ok := registry.methods[method]
	return handler, ok
}

// Methods returns the registered names in sorted order.
func (registry *Registry) Methods() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.methods))

	for name := range registry.methods {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
