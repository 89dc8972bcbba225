package naming

import (
	"fmt"
	"strings"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
)

// BindTarget selects which native object a lookup name resolves to.
type BindTarget string

const (
	// BindAuto binds the session when a namespace is configured and the
	// connection otherwise.
	BindAuto       BindTarget = ""
	BindConnection BindTarget = "connection"
	BindSession    BindTarget = "session"
)

// ParseBindTarget accepts "", "auto", "connection" and "session".
func ParseBindTarget(value string) (BindTarget, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return BindAuto, nil
	case "connection":
		return BindConnection, nil
	case "session":
		return BindSession, nil
	default:
		return BindAuto, fmt.Errorf("unknown bind target %q (allowed: auto, connection, session)", value)
	}
}

// Binder publishes active services into a Store under their lookup name.
type Binder struct {
	store  *Store
	logger *logging.Logger
}

// NewBinder creates a binder writing to store.
func NewBinder(store *Store) *Binder {
	return &Binder{store: store, logger: logging.GetLogger("naming.binder")}
}

// Bind resolves the object selected by target through svc.Unwrap and binds
// it. Profiles without a lookup name are skipped.
func (b *Binder) Bind(svc *connection.Service, target BindTarget) error {
	cfg := svc.Configuration()
	if cfg.LookupName == "" {
		return nil
	}

	types, err := svc.Types()
	if err != nil {
		return fmt.Errorf("bind %q: %w", cfg.LookupName, err)
	}

	descriptor := types.Connection
	switch target {
	case BindSession:
		descriptor = types.Session
	case BindAuto:
		if cfg.HasNamespace() {
			descriptor = types.Session
		}
	}

	value, err := svc.Unwrap(descriptor)
	if err != nil {
		return fmt.Errorf("bind %q: %w", cfg.LookupName, err)
	}
	if value == nil {
		return fmt.Errorf("bind %q: profile %q has no live %s", cfg.LookupName, cfg.Identity, descriptor)
	}

	if err := b.store.Bind(Entry{Name: cfg.LookupName, Profile: cfg.Identity, Type: descriptor, Value: value}); err != nil {
		return err
	}
	b.logger.Info("Bound %s to %s (%s)", cfg.LookupName, cfg.Identity, descriptor)
	return nil
}

// Unbind removes the lookup name of svc if svc owns it.
func (b *Binder) Unbind(svc *connection.Service) {
	cfg := svc.Configuration()
	if cfg.LookupName == "" {
		return
	}
	if b.store.UnbindIf(cfg.LookupName, cfg.Identity) {
		b.logger.Info("Unbound %s", cfg.LookupName)
	}
}
