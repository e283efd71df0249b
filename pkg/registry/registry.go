// Package registry holds the set of tools advertised by currently connected
// tool servers. It is the only process-wide mutable state shared across
// conversations, so all access is guarded for concurrent lookups.
package registry

import (
	"log/slog"
	"sync"

	"github.com/loomchat/loom/pkg/domain"
)

// Collision reports a tool name advertised by two different live connections.
// Policy: last writer wins; the caller of Register decides how loudly to
// complain.
type Collision struct {
	Name         string
	PreviousConn string
}

type entry struct {
	desc domain.ToolDescriptor
}

// Registry maps tool names to descriptors. Register replaces a connection's
// descriptor set atomically from the perspective of concurrent lookups.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	order []string // tool names in registration order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register replaces all descriptors previously owned by connID with descs.
// Descriptors keep registration order for List. Name collisions with a
// different live connection are returned so the caller can raise a warning;
// the new descriptor wins.
func (r *Registry) Register(connID string, descs []domain.ToolDescriptor) []Collision {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(connID)

	var collisions []Collision
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		d.ConnectionID = connID
		if seen[d.Name] {
			// Duplicate inside one descriptor set, not a cross-connection
			// collision. The last occurrence wins.
			slog.Warn("duplicate tool name in descriptor set", "name", d.Name, "conn", connID)
			r.tools[d.Name] = entry{desc: d}
			continue
		}
		seen[d.Name] = true
		if prev, ok := r.tools[d.Name]; ok {
			collisions = append(collisions, Collision{Name: d.Name, PreviousConn: prev.desc.ConnectionID})
			slog.Warn("tool name collision, last writer wins",
				"name", d.Name, "previous", prev.desc.ConnectionID, "new", connID)
		} else {
			r.order = append(r.order, d.Name)
		}
		r.tools[d.Name] = entry{desc: d}
	}
	return collisions
}

// Unregister removes all descriptors owned by connID.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) {
	kept := r.order[:0]
	for _, name := range r.order {
		if e, ok := r.tools[name]; ok && e.desc.ConnectionID == connID {
			delete(r.tools, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (domain.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.desc, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []domain.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		if e, ok := r.tools[name]; ok {
			out = append(out, e.desc)
		}
	}
	return out
}

// Close drops all descriptors. Called on process teardown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]entry)
	r.order = nil
}
