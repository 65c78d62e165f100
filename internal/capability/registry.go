// Package capability routes approved actions to the module capabilities
// that execute them. Capabilities are registered by module slug and
// capability name at startup.
package capability

import (
	"context"
	"fmt"
	"sync"
)

// Invocation carries everything a capability needs to execute one approved
// action on behalf of a tenant.
type Invocation struct {
	ModuleSlug string
	Capability string
	TenantID   string
	ActorID    string
	TaskID     string
	ApprovalID string
	Payload    map[string]any
}

// Handler executes a capability invocation and returns a structured result.
type Handler func(ctx context.Context, inv Invocation) (map[string]any, error)

// ErrNotRegistered indicates no handler exists for a module/capability pair.
type ErrNotRegistered struct {
	ModuleSlug string
	Capability string
}

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("no handler registered for %s/%s", e.ModuleSlug, e.Capability)
}

// Registry is a concurrency-safe capability table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func key(moduleSlug, capability string) string {
	return moduleSlug + "/" + capability
}

// Register installs a handler for moduleSlug/capability, replacing any
// previous registration.
func (r *Registry) Register(moduleSlug, capability string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(moduleSlug, capability)] = h
}

// Invoke dispatches inv to its registered handler.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[key(inv.ModuleSlug, inv.Capability)]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrNotRegistered{ModuleSlug: inv.ModuleSlug, Capability: inv.Capability}
	}
	return h(ctx, inv)
}
