package connection

import (
	"sort"
	"sync"
)

// Endpoint is a network contact point. Host may be symbolic and empty; a
// Port <= 0 means the driver default.
type Endpoint struct {
	Host string
	Port int
}

// EndpointSet accumulates endpoints keyed by reference name. It is safe for
// concurrent injection.
type EndpointSet struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewEndpointSet returns an empty set.
func NewEndpointSet() *EndpointSet {
	return &EndpointSet{endpoints: make(map[string]Endpoint)}
}

// Put stores ep under name, replacing any earlier value for that name.
func (s *EndpointSet) Put(name string, ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[name] = ep
}

// Remove deletes the endpoint stored under name.
func (s *EndpointSet) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, name)
}

// Len returns the number of endpoints.
func (s *EndpointSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// Each calls fn for every endpoint in sorted reference-name order.
func (s *EndpointSet) Each(fn func(name string, ep Endpoint)) {
	s.mu.RLock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	snapshot := make(map[string]Endpoint, len(s.endpoints))
	for k, v := range s.endpoints {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		fn(name, snapshot[name])
	}
}

// EndpointInjector stores a resolved endpoint under a fixed reference name.
type EndpointInjector func(ep Endpoint)
