package connection

import (
	"fmt"
	"sort"
	"sync"
)

// DriverFactory creates an Adapter for one activation of a profile.
type DriverFactory func(cfg Configuration) (Adapter, error)

// Driver describes a registered backend driver.
type Driver struct {
	// Backend is the identifier profiles select the driver with.
	Backend string
	// Version is the adapter version, compared against min_driver_version.
	Version string
	// Description is shown by "nosql drivers".
	Description string
	// SupportsTransactions is true for drivers implementing TransactionEnlister.
	SupportsTransactions bool
	Factory              DriverFactory
}

// DriverRegistry maps backend identifiers to drivers. Driver packages
// register themselves from init():
//
//	func init() {
//	  connection.RegisterDriver(connection.Driver{Backend: "cassandra", Factory: New})
//	}
//
// and binaries blank-import internal/driver/all.
type DriverRegistry struct {
	drivers map[string]Driver
	mu      sync.RWMutex
}

var defaultDrivers = NewDriverRegistry()

// NewDriverRegistry creates an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[string]Driver)}
}

// Register adds a driver. The backend must be non-empty and not yet registered.
func (r *DriverRegistry) Register(d Driver) error {
	if d.Backend == "" {
		return fmt.Errorf("driver backend cannot be empty")
	}
	if d.Factory == nil {
		return fmt.Errorf("driver %q has no factory", d.Backend)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[d.Backend]; exists {
		return fmt.Errorf("driver %q is already registered", d.Backend)
	}
	r.drivers[d.Backend] = d
	return nil
}

// Get returns the driver registered for backend.
func (r *DriverRegistry) Get(backend string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[backend]
	return d, ok
}

// List returns all drivers sorted by backend.
func (r *DriverRegistry) List() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Open creates an adapter for cfg.Backend. Errors match ErrDriverUnavailable.
func (r *DriverRegistry) Open(cfg Configuration) (Adapter, error) {
	d, ok := r.Get(cfg.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: no driver registered for backend %q", ErrDriverUnavailable, cfg.Backend)
	}
	adapter, err := d.Factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDriverUnavailable, cfg.Backend, err)
	}
	return adapter, nil
}

// RegisterDriver registers d with the default registry and panics on error.
// It is meant to be called from init().
func RegisterDriver(d Driver) {
	if err := defaultDrivers.Register(d); err != nil {
		panic(err)
	}
}

// DefaultDrivers returns the process-wide registry populated by init().
func DefaultDrivers() *DriverRegistry {
	return defaultDrivers
}
