package session

import "sync"

// Registry maps connection identifiers to their owning Manager. Host
// applications create a manager per configured server at setup and remove it
// at teardown; there is no ambient global state.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers a manager under id, replacing (and disconnecting) any
// previous manager held under the same id.
func (r *Registry) Add(id string, m *Manager) {
	r.mu.Lock()
	prev := r.managers[id]
	r.managers[id] = m
	r.mu.Unlock()

	if prev != nil && prev != m {
		prev.Disconnect()
	}
}

// Get returns the manager for id, if one is registered.
func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	return m, ok
}

// Remove disconnects and drops the manager for id. Unknown ids are a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	m := r.managers[id]
	delete(r.managers, id)
	r.mu.Unlock()

	if m != nil {
		m.Disconnect()
	}
}

// Close disconnects and drops every registered manager.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Disconnect()
	}
}
