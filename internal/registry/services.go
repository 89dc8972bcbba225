package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/moolen/nosql/internal/connection"
)

// Services stores running connection services by profile identity.
type Services struct {
	services map[string]*connection.Service
	mu       sync.RWMutex
}

// NewServices creates an empty service table.
func NewServices() *Services {
	return &Services{services: make(map[string]*connection.Service)}
}

// Register adds svc under its identity.
// Returns error if the identity is empty or already registered.
func (r *Services) Register(svc *connection.Service) error {
	id := svc.Identity()
	if id == "" {
		return fmt.Errorf("profile identity cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[id]; exists {
		return fmt.Errorf("profile %q is already registered", id)
	}
	r.services[id] = svc
	return nil
}

// Get returns the service for a profile identity.
func (r *Services) Get(id string) (*connection.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// List returns the registered identities, sorted.
func (r *Services) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes a profile. It reports whether the profile existed.
func (r *Services) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.services[id]
	delete(r.services, id)
	return exists
}
