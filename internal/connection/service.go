package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moolen/nosql/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MappingEntry is what a Service publishes about itself.
type MappingEntry struct {
	Identity   string
	LookupName string
	Module     string
}

// MappingRegistry is the process-wide table associating profiles and lookup
// names with their modules. Implementations must allow concurrent calls from
// independent services.
type MappingRegistry interface {
	AddMapping(entry MappingEntry) error
	RemoveMapping(entry MappingEntry) error
}

// Option configures a Service.
type Option func(*Service)

// WithCredentialPolicy sets the behaviour for unresolvable credentials.
func WithCredentialPolicy(p CredentialPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithDrivers selects the driver registry. Defaults to DefaultDrivers().
func WithDrivers(r *DriverRegistry) Option {
	return func(s *Service) { s.drivers = r }
}

// WithTracer sets the tracer used for Start and Stop spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// Info is a point-in-time description of a Service.
type Info struct {
	Identity     string    `json:"id"`
	Backend      string    `json:"backend"`
	State        string    `json:"state"`
	LookupName   string    `json:"lookup_name,omitempty"`
	Module       string    `json:"module,omitempty"`
	Namespace    string    `json:"namespace,omitempty"`
	Endpoints    int       `json:"endpoints"`
	ActivationID string    `json:"activation_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Service owns the lifecycle of one connection profile.
//
// Dependencies are injected before Start: endpoints through EndpointInjector,
// an optional credential supplier and the registry mapping. Start and Stop
// must be serialized by the caller; the accessors are safe for concurrent use.
type Service struct {
	cfg     Configuration
	drivers *DriverRegistry
	policy  CredentialPolicy
	tracer  trace.Tracer
	logger  *logging.Logger
	regLog  *logging.Logger

	endpoints *EndpointSet

	injectMu sync.Mutex
	supplier CredentialSupplier
	registry MappingRegistry

	mu           sync.RWMutex
	state        State
	adapter      Adapter
	types        Types
	conn         Handle
	session      Handle
	activationID string
	startedAt    time.Time
	lastErr      error
}

// NewService creates a Service in StateUninitialized.
func NewService(cfg Configuration, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		drivers:   defaultDrivers,
		policy:    FailClosed,
		endpoints: NewEndpointSet(),
		logger: logging.GetLogger("connection.service").WithFields(
			logging.Field("profile", cfg.Identity),
			logging.Field("backend", cfg.Backend),
		),
		regLog: logging.GetLogger("connection.registry").WithField("profile", cfg.Identity),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/moolen/nosql/internal/connection")
	}
	return s
}

// Name implements lifecycle.Component.
func (s *Service) Name() string {
	return "connection/" + s.cfg.Identity
}

// Identity returns the profile identity.
func (s *Service) Identity() string {
	return s.cfg.Identity
}

// Configuration returns the profile configuration.
func (s *Service) Configuration() Configuration {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the cause of the most recent failed Start, if any.
func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// EndpointInjector returns the injection point for the endpoint reference
// name. Injectors may be called in any order and from any goroutine.
func (s *Service) EndpointInjector(name string) EndpointInjector {
	return func(ep Endpoint) {
		s.endpoints.Put(name, ep)
	}
}

// Endpoints exposes the accumulated endpoint set.
func (s *Service) Endpoints() *EndpointSet {
	return s.endpoints
}

// SetCredentialSupplier injects the credential supplier. It can be set once.
func (s *Service) SetCredentialSupplier(supplier CredentialSupplier) error {
	if supplier == nil {
		return fmt.Errorf("credential supplier cannot be nil")
	}
	s.injectMu.Lock()
	defer s.injectMu.Unlock()
	if s.supplier != nil {
		return fmt.Errorf("%w: credential supplier for %q", ErrAlreadyInjected, s.cfg.Identity)
	}
	s.supplier = supplier
	return nil
}

// SetRegistry injects the registry mapping. It can be set once.
func (s *Service) SetRegistry(registry MappingRegistry) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	s.injectMu.Lock()
	defer s.injectMu.Unlock()
	if s.registry != nil {
		return fmt.Errorf("%w: registry for %q", ErrAlreadyInjected, s.cfg.Identity)
	}
	s.registry = registry
	return nil
}

func (s *Service) injected() (CredentialSupplier, MappingRegistry) {
	s.injectMu.Lock()
	defer s.injectMu.Unlock()
	return s.supplier, s.registry
}

// Start activates the profile. It is accepted from StateUninitialized and
// StateStopped. Any failure leaves the service in StateFailed and is returned
// as a *StartError.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canStart() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start %q from state %s", ErrInvalidState, s.cfg.Identity, state)
	}
	s.state = StateStarting
	s.lastErr = nil
	s.mu.Unlock()

	activationID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "connection.Start", trace.WithAttributes(
		attribute.String("nosql.profile", s.cfg.Identity),
		attribute.String("nosql.backend", s.cfg.Backend),
		attribute.String("nosql.activation_id", activationID),
	))
	defer span.End()

	logger := s.logger.WithContext(ctx).WithField("activation", activationID)
	logger.Info("Starting connection (%d endpoints)", s.endpoints.Len())

	supplier, registry := s.injected()
	s.publish(ctx, registry)

	res, err := s.activate(ctx, logger, supplier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = err
		if res.adapter != nil {
			s.adapter = res.adapter
			s.types = res.types
		}
		s.conn, s.session = Handle{}, Handle{}
		s.mu.Unlock()

		logger.ErrorWithErr("Connection failed to start", err)
		return &StartError{Identity: s.cfg.Identity, Cause: err}
	}

	s.mu.Lock()
	s.adapter = res.adapter
	s.types = res.types
	s.conn = res.conn
	s.session = res.session
	s.activationID = activationID
	s.startedAt = time.Now()
	s.state = StateActive
	s.mu.Unlock()

	logger.InfoWithFields("Connection active",
		logging.Field("connection_type", res.types.Connection.String()),
		logging.Field("session", !res.session.IsZero()),
	)
	return nil
}

type activation struct {
	adapter Adapter
	types   Types
	conn    Handle
	session Handle
}

// activate runs the driver steps of Start. On error, anything it opened has
// been closed again.
func (s *Service) activate(ctx context.Context, logger *logging.Logger, supplier CredentialSupplier) (activation, error) {
	var res activation

	adapter, err := s.drivers.Open(s.cfg)
	if err != nil {
		return res, err
	}
	types, err := adapter.ResolveTypes()
	if err != nil {
		if !errors.Is(err, ErrDriverUnavailable) {
			err = fmt.Errorf("%w: %s: %w", ErrDriverUnavailable, s.cfg.Backend, err)
		}
		return res, err
	}
	res.adapter, res.types = adapter, types

	s.endpoints.Each(func(name string, ep Endpoint) {
		logger.Debug("Using endpoint %s (%s:%d)", name, ep.Host, ep.Port)
		if ep.Host != "" {
			adapter.WithContactPoint(ep.Host)
		}
		if ep.Port > 0 {
			adapter.WithPort(ep.Port)
		}
	})

	if err := s.attachCredentials(ctx, logger, adapter, supplier); err != nil {
		return res, err
	}

	if s.cfg.Identity != "" {
		adapter.WithClusterName(s.cfg.Identity)
	}
	if s.cfg.UseTransportSecurity {
		adapter.WithTransportSecurity()
	}
	if s.cfg.TransactionEnlistment != EnlistmentUnset {
		if enlister, ok := adapter.(TransactionEnlister); ok {
			enlister.WithTransactionEnlistment(s.cfg.TransactionEnlistment)
		} else {
			logger.Warn("Backend %s does not support transaction enlistment, ignoring %q",
				s.cfg.Backend, s.cfg.TransactionEnlistment)
		}
	}

	conn, err := adapter.Build(ctx)
	if err != nil {
		if !errors.Is(err, ErrConnectionSetupFailed) {
			err = SetupError(s.cfg.Backend, err)
		}
		return res, err
	}

	if !s.cfg.HasNamespace() {
		res.conn = conn
		return res, nil
	}

	session, err := adapter.OpenSession(ctx, conn, s.cfg.TargetNamespace)
	if err != nil {
		bestEffort(logger, "close connection after session failure", func() {
			adapter.CloseConnection(ctx, conn)
		})
		if !errors.Is(err, ErrSessionOpenFailed) {
			err = SessionError(s.cfg.Backend, s.cfg.TargetNamespace, err)
		}
		return res, err
	}

	res.conn, res.session = conn, session
	return res, nil
}

func (s *Service) attachCredentials(ctx context.Context, logger *logging.Logger, adapter Adapter, supplier CredentialSupplier) error {
	domain := s.cfg.SecurityDomain
	if domain == "" {
		return nil
	}

	var cause error
	if supplier == nil {
		cause = fmt.Errorf("%w: no credential supplier for security domain %q", ErrCredentialsUnavailable, domain)
	} else {
		creds, err := supplier.Credentials(ctx, domain)
		if err == nil {
			adapter.WithCredentials(creds)
			return nil
		}
		if errors.Is(err, ErrCredentialsUnavailable) {
			cause = err
		} else {
			cause = fmt.Errorf("%w: security domain %q: %w", ErrCredentialsUnavailable, domain, err)
		}
	}

	if s.policy == FailOpen {
		logger.Warn("Connecting without credentials: %v", cause)
		return nil
	}
	return cause
}

// Stop tears the profile down. It is a no-op unless the service is Active or
// Failed. Teardown failures are logged and never returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canStop() {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	adapter, conn, session := s.adapter, s.conn, s.session
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "connection.Stop", trace.WithAttributes(
		attribute.String("nosql.profile", s.cfg.Identity),
		attribute.String("nosql.backend", s.cfg.Backend),
	))
	defer span.End()

	logger := s.logger.WithContext(ctx)
	logger.Info("Stopping connection")

	_, registry := s.injected()
	s.unpublish(ctx, registry)

	if adapter != nil {
		if !session.IsZero() {
			bestEffort(logger, "close session", func() { adapter.CloseSession(ctx, session) })
		}
		if !conn.IsZero() {
			bestEffort(logger, "close connection", func() { adapter.CloseConnection(ctx, conn) })
		}
	}

	s.mu.Lock()
	s.conn, s.session = Handle{}, Handle{}
	s.activationID = ""
	s.startedAt = time.Time{}
	s.state = StateStopped
	s.mu.Unlock()

	logger.Info("Connection stopped")
	return nil
}

func (s *Service) publish(ctx context.Context, registry MappingRegistry) {
	if registry == nil {
		s.regLog.Debug("No registry injected, not publishing")
		return
	}
	if err := registry.AddMapping(s.mappingEntry()); err != nil {
		s.regLog.WithContext(ctx).Warn("Failed to publish mapping: %v", err)
	}
}

func (s *Service) unpublish(ctx context.Context, registry MappingRegistry) {
	if registry == nil {
		return
	}
	if err := registry.RemoveMapping(s.mappingEntry()); err != nil {
		s.regLog.WithContext(ctx).Warn("Failed to remove mapping: %v", err)
	}
}

func (s *Service) mappingEntry() MappingEntry {
	return MappingEntry{
		Identity:   s.cfg.Identity,
		LookupName: s.cfg.LookupName,
		Module:     s.cfg.ModuleReference,
	}
}

// bestEffort runs a teardown step, logging a panic instead of propagating it
// so that later steps still run.
func bestEffort(logger *logging.Logger, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Failed to %s: %v", step, r)
		}
	}()
	fn()
}

// Connection returns the connection handle while Active, else the zero Handle.
func (s *Service) Connection() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateActive {
		return Handle{}
	}
	return s.conn
}

// Session returns the session handle while Active, else the zero Handle. It
// is also zero when no namespace is configured.
func (s *Service) Session() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateActive {
		return Handle{}
	}
	return s.session
}

// Types returns the driver's type descriptors, resolving them from the
// driver registry if the service was never started.
func (s *Service) Types() (Types, error) {
	s.mu.RLock()
	types := s.types
	s.mu.RUnlock()
	if types != (Types{}) {
		return types, nil
	}

	adapter, err := s.drivers.Open(s.cfg)
	if err != nil {
		return Types{}, err
	}
	types, err = adapter.ResolveTypes()
	if err != nil {
		return Types{}, fmt.Errorf("%w: %s: %w", ErrDriverUnavailable, s.cfg.Backend, err)
	}

	s.mu.Lock()
	if s.types == (Types{}) {
		s.types = types
	}
	s.mu.Unlock()
	return types, nil
}

// Unwrap returns the connection object when d is the connection descriptor
// and the session object when d is the session descriptor. The value is nil
// when the service is not Active. Any other descriptor yields
// ErrIncompatibleType. Unwrap never changes the lifecycle state.
func (s *Service) Unwrap(d TypeDescriptor) (any, error) {
	types, err := s.Types()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIncompatibleType, d, err)
	}

	switch {
	case !d.IsZero() && d == types.Connection:
		return s.Connection().Value, nil
	case !d.IsZero() && d == types.Session:
		return s.Session().Value, nil
	default:
		return nil, fmt.Errorf("%w: %s is neither %s nor %s", ErrIncompatibleType, d, types.Connection, types.Session)
	}
}

// Ping checks the live connection through the driver when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.RLock()
	state, adapter, conn, session := s.state, s.adapter, s.conn, s.session
	s.mu.RUnlock()

	if state != StateActive {
		return fmt.Errorf("%w: %q is %s", ErrInvalidState, s.cfg.Identity, state)
	}
	pinger, ok := adapter.(Pinger)
	if !ok {
		return nil
	}
	return pinger.Ping(ctx, conn, session)
}

// Info returns a snapshot for introspection.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		Identity:     s.cfg.Identity,
		Backend:      s.cfg.Backend,
		State:        s.state.String(),
		LookupName:   s.cfg.LookupName,
		Module:       s.cfg.ModuleReference,
		Namespace:    s.cfg.TargetNamespace,
		Endpoints:    s.endpoints.Len(),
		ActivationID: s.activationID,
		StartedAt:    s.startedAt,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
