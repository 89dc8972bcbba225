// Package naming is the in-process lookup store consumers use to find the
// native driver objects of active connection profiles by name.
package naming

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/moolen/nosql/internal/connection"
)

// ErrNameBound is returned when binding a name that is already taken.
var ErrNameBound = errors.New("name already bound")

// Entry is one bound object.
type Entry struct {
	Name    string                    `json:"name"`
	Profile string                    `json:"profile"`
	Type    connection.TypeDescriptor `json:"-"`
	Value   any                       `json:"-"`
}

// Store maps lookup names to native objects. It is safe for concurrent use.
type Store struct {
	entries map[string]Entry
	mu      sync.RWMutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Bind stores e under e.Name.
func (s *Store) Bind(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("lookup name cannot be empty")
	}
	if e.Value == nil {
		return fmt.Errorf("cannot bind %q to a nil value", e.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("%w: %q by profile %q", ErrNameBound, e.Name, existing.Profile)
	}
	s.entries[e.Name] = e
	return nil
}

// Unbind removes name. It reports whether the name was bound.
func (s *Store) Unbind(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	delete(s.entries, name)
	return ok
}

// UnbindIf removes name only while it is bound by profile. It reports
// whether an entry was removed.
func (s *Store) UnbindIf(name, profile string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || e.Profile != profile {
		return false
	}
	delete(s.entries, name)
	return true
}

// Lookup returns the object bound to name.
func (s *Store) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e.Value, ok
}

// Entry returns the full entry bound to name.
func (s *Store) Entry(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// List returns all entries sorted by name.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupAs returns the object bound to name as T.
func LookupAs[T any](s *Store, name string) (T, bool) {
	var zero T
	v, ok := s.Lookup(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
