// Package subsystem owns every configured connection profile: it installs one
// connection.Service per enabled profile, wires endpoints, credentials and the
// lookup-name registry into it, and drives start, stop, health and reload.
package subsystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/moolen/nosql/internal/config"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
	"github.com/moolen/nosql/internal/metrics"
	"github.com/moolen/nosql/internal/naming"
	"github.com/moolen/nosql/internal/registry"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ManagerConfig holds configuration for the subsystem Manager.
type ManagerConfig struct {
	// ProfilesPath is the profiles YAML file. Empty means profiles are
	// supplied through Apply only.
	ProfilesPath string

	// Watch reloads all profiles when ProfilesPath changes
	Watch bool

	// HealthCheckInterval is how often active profiles are pinged. Zero disables the loop.
	HealthCheckInterval time.Duration

	// ShutdownTimeout bounds each profile stop. Default: 10 seconds
	ShutdownTimeout time.Duration

	// StartConcurrency bounds parallel profile starts. Default: 8
	StartConcurrency int

	// Drivers overrides the process-wide driver registry
	Drivers *connection.DriverRegistry

	// Metrics is optional
	Metrics *metrics.Metrics

	// Store receives lookup-name bindings. A private store is created when nil.
	Store *naming.Store

	// Tracer is handed to every connection.Service. Nil uses the global provider.
	Tracer trace.Tracer
}

// ErrStopped is returned by Apply once the manager has been stopped.
var ErrStopped = errors.New("subsystem manager is stopped")

// Manager orchestrates the lifecycle of all connection profiles.
type Manager struct {
	config   ManagerConfig
	drivers  *connection.DriverRegistry
	mapping  *registry.Mapping
	services *registry.Services
	store    *naming.Store
	binder   *naming.Binder
	metrics  *metrics.Metrics
	logger   *logging.Logger

	// opMu serializes Apply, health passes and shutdown. It is held across
	// network starts, so readers never take it.
	opMu    sync.Mutex
	stopped bool

	// mu guards order and targets. order is the start order; stop runs it backwards.
	mu      sync.RWMutex
	order   []string
	targets map[string]naming.BindTarget

	watcher      *config.ProfilesWatcher
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// installedProfile is a freshly created service waiting to be started.
type installedProfile struct {
	svc    *connection.Service
	target naming.BindTarget
}

// NewManager creates a subsystem manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = 8
	}
	drivers := cfg.Drivers
	if drivers == nil {
		drivers = connection.DefaultDrivers()
	}
	store := cfg.Store
	if store == nil {
		store = naming.NewStore()
	}

	return &Manager{
		config:   cfg,
		drivers:  drivers,
		mapping:  registry.NewMapping(),
		services: registry.NewServices(),
		store:    store,
		binder:   naming.NewBinder(store),
		metrics:  cfg.Metrics,
		logger:   logging.GetLogger("subsystem"),
		targets:  make(map[string]naming.BindTarget),
	}
}

// Name returns the component name for lifecycle management.
func (m *Manager) Name() string {
	return "subsystem"
}

// Start loads the profiles file, starts every enabled profile and, when
// configured, begins watching the file and health-checking profiles.
// Individual profile failures are logged and left in StateFailed; Start only
// fails for unreadable profiles or a driver below min_driver_version.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting subsystem")

	m.opMu.Lock()
	m.stopped = false
	m.opMu.Unlock()

	if m.config.ProfilesPath != "" {
		if m.config.Watch {
			w, err := config.NewProfilesWatcher(config.ProfilesWatcherConfig{FilePath: m.config.ProfilesPath}, m.reload(ctx))
			if err != nil {
				return fmt.Errorf("failed to create profiles watcher: %w", err)
			}
			if err := w.Start(ctx); err != nil {
				m.opMu.Lock()
				m.stopAll(ctx)
				m.opMu.Unlock()
				return fmt.Errorf("failed to start profiles watcher: %w", err)
			}
			m.watcher = w
		} else {
			profiles, err := config.LoadProfilesFile(m.config.ProfilesPath)
			if err != nil {
				return err
			}
			if err := m.Apply(ctx, profiles); err != nil {
				return err
			}
		}
	}

	if m.config.HealthCheckInterval > 0 {
		healthCtx, cancel := context.WithCancel(context.Background())
		m.healthCancel = cancel
		m.healthDone = make(chan struct{})
		go m.runHealthChecks(healthCtx)
	}

	m.logger.Info("Subsystem started with %d profile(s)", len(m.services.List()))
	return nil
}

// reload returns the watcher callback. The first invocation is the initial
// load and propagates errors; later ones only log them.
func (m *Manager) reload(ctx context.Context) config.ReloadCallback {
	initial := true
	return func(profiles *config.ProfilesFile) error {
		if initial {
			initial = false
			return m.Apply(ctx, profiles)
		}
		m.logger.Info("Profiles changed - restarting all connections")
		return m.Apply(context.Background(), profiles)
	}
}

// Stop stops the watcher, the health loop and every profile in reverse start
// order. Later Apply calls fail with ErrStopped until Start is called again.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping subsystem")

	if m.healthCancel != nil {
		m.healthCancel()
		<-m.healthDone
		m.healthCancel = nil
	}
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Warn("Error stopping profiles watcher: %v", err)
		}
		m.watcher = nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopped = true
	m.stopAll(ctx)

	m.logger.Info("Subsystem stopped")
	return nil
}

// Apply replaces the running profiles with the ones in profiles: everything
// currently installed is stopped and removed, then the new set is installed
// and started concurrently. Readers such as Profiles and Healthy are not
// blocked while the new profiles connect.
func (m *Manager) Apply(ctx context.Context, profiles *config.ProfilesFile) error {
	if err := m.checkDriverVersions(profiles); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.stopped {
		return ErrStopped
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	m.stopAll(stopCtx)
	cancel()

	installed, err := m.install(ctx, profiles)
	if err != nil {
		return err
	}
	m.swap(installed)

	g := new(errgroup.Group)
	g.SetLimit(m.config.StartConcurrency)
	for _, p := range installed {
		g.Go(func() error {
			m.startProfile(ctx, p.svc, p.target)
			return nil
		})
	}
	_ = g.Wait()

	return nil
}

// swap replaces the installed services, order and targets with installed.
func (m *Manager) swap(installed []installedProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.services.List() {
		m.services.Remove(id)
		if m.metrics != nil {
			m.metrics.Forget(id)
		}
	}

	m.order = make([]string, 0, len(installed))
	m.targets = make(map[string]naming.BindTarget, len(installed))
	for _, p := range installed {
		id := p.svc.Identity()
		// install rejects duplicate ids, so Register cannot fail here
		_ = m.services.Register(p.svc)
		m.order = append(m.order, id)
		m.targets[id] = p.target
	}
}

// snapshot returns the current start order and bind targets.
func (m *Manager) snapshot() ([]string, map[string]naming.BindTarget) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make(map[string]naming.BindTarget, len(m.targets))
	for id, t := range m.targets {
		targets[id] = t
	}
	return append([]string(nil), m.order...), targets
}

// checkDriverVersions rejects the whole profile set when any referenced
// driver reports a version below min_driver_version.
func (m *Manager) checkDriverVersions(profiles *config.ProfilesFile) error {
	if profiles.MinDriverVersion == "" {
		return nil
	}
	minVer, err := version.NewVersion(profiles.MinDriverVersion)
	if err != nil {
		return fmt.Errorf("invalid min_driver_version %q: %w", profiles.MinDriverVersion, err)
	}

	for _, p := range profiles.Profiles {
		if !p.IsEnabled() {
			continue
		}
		driver, ok := m.drivers.Get(p.Type)
		if !ok {
			continue
		}
		v, err := version.NewVersion(driver.Version)
		if err != nil {
			return fmt.Errorf("driver %s has invalid version %q: %w", driver.Backend, driver.Version, err)
		}
		if v.LessThan(minVer) {
			return fmt.Errorf("driver %s version %s is below minimum required version %s (profile %s)",
				driver.Backend, driver.Version, minVer, p.ID)
		}
		m.logger.Debug("Driver %s version %s validated (>= %s)", driver.Backend, driver.Version, minVer)
	}
	return nil
}

// startProfile starts svc and binds its lookup name.
func (m *Manager) startProfile(ctx context.Context, svc *connection.Service, target naming.BindTarget) {
	started := time.Now()
	err := svc.Start(ctx)
	if m.metrics != nil {
		m.metrics.ObserveStart(svc.Identity(), svc.Configuration().Backend, time.Since(started), err)
	}
	if err != nil {
		m.logger.Error("Profile %s failed to start: %v", svc.Identity(), err)
		return
	}

	if err := m.binder.Bind(svc, target); err != nil {
		m.logger.Warn("Profile %s started but could not be bound: %v", svc.Identity(), err)
	}
}

// stopAll stops profiles in reverse start order. Caller must hold opMu.
func (m *Manager) stopAll(ctx context.Context) {
	order, _ := m.snapshot()
	for i := len(order) - 1; i >= 0; i-- {
		svc, ok := m.services.Get(order[i])
		if !ok {
			continue
		}
		m.stopProfile(ctx, svc)
	}
}

func (m *Manager) stopProfile(ctx context.Context, svc *connection.Service) {
	m.binder.Unbind(svc)

	stopCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()
	_ = svc.Stop(stopCtx)

	if m.metrics != nil {
		m.metrics.SetActive(svc.Identity(), svc.Configuration().Backend, false)
	}
	m.logger.Debug("Stopped profile %s", svc.Identity())
}

// Connection returns the service of a profile.
func (m *Manager) Connection(profile string) (*connection.Service, bool) {
	return m.services.Get(profile)
}

// Profiles returns a snapshot of every installed profile in start order.
func (m *Manager) Profiles() []connection.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]connection.Info, 0, len(m.order))
	for _, id := range m.order {
		if svc, ok := m.services.Get(id); ok {
			infos = append(infos, svc.Info())
		}
	}
	return infos
}

// Healthy reports whether every installed profile is active.
func (m *Manager) Healthy() bool {
	for _, info := range m.Profiles() {
		if info.State != connection.StateActive.String() {
			return false
		}
	}
	return true
}

// Mapping returns the lookup-name → module registry.
func (m *Manager) Mapping() *registry.Mapping {
	return m.mapping
}

// Store returns the naming store holding bound lookup names.
func (m *Manager) Store() *naming.Store {
	return m.store
}
