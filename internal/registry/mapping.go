// Package registry holds the process-wide tables shared by connection
// profiles: the module mapping consulted at deployment time and the set of
// running connection services.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/moolen/nosql/internal/connection"
)

// Mapping associates lookup names and profile identities with the module of
// the driver serving them. It implements connection.MappingRegistry.
type Mapping struct {
	byLookup  map[string]string
	byProfile map[string]string
	// lookupOwner tracks which profile registered a lookup name.
	lookupOwner map[string]string
	mu          sync.RWMutex
}

var _ connection.MappingRegistry = (*Mapping)(nil)

// NewMapping creates an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{
		byLookup:    make(map[string]string),
		byProfile:   make(map[string]string),
		lookupOwner: make(map[string]string),
	}
}

// AddMapping records the profile and, if set, its lookup name.
// Returns error if:
//   - the identity is empty
//   - the lookup name is already owned by another profile
func (m *Mapping) AddMapping(entry connection.MappingEntry) error {
	if entry.Identity == "" {
		return fmt.Errorf("mapping identity cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.LookupName != "" {
		if owner, exists := m.lookupOwner[entry.LookupName]; exists && owner != entry.Identity {
			return fmt.Errorf("lookup name %q is already mapped by profile %q", entry.LookupName, owner)
		}
		m.byLookup[entry.LookupName] = entry.Module
		m.lookupOwner[entry.LookupName] = entry.Identity
	}
	m.byProfile[entry.Identity] = entry.Module
	return nil
}

// RemoveMapping deletes the profile and the lookup name it owns. Removing an
// unknown entry is not an error.
func (m *Mapping) RemoveMapping(entry connection.MappingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.LookupName != "" && m.lookupOwner[entry.LookupName] == entry.Identity {
		delete(m.byLookup, entry.LookupName)
		delete(m.lookupOwner, entry.LookupName)
	}
	delete(m.byProfile, entry.Identity)
	return nil
}

// ModuleForLookup returns the module mapped to a lookup name.
func (m *Mapping) ModuleForLookup(lookupName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	module, ok := m.byLookup[lookupName]
	return module, ok
}

// ModuleForProfile returns the module mapped to a profile identity.
func (m *Mapping) ModuleForProfile(identity string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	module, ok := m.byProfile[identity]
	return module, ok
}

// Profiles returns the mapped profile identities, sorted.
func (m *Mapping) Profiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byProfile))
	for id := range m.byProfile {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
