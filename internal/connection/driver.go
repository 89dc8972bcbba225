package connection

import (
	"context"
)

// TypeDescriptor names a native driver type, e.g. cassandra/session.
type TypeDescriptor struct {
	Backend string
	Name    string
}

func (d TypeDescriptor) String() string {
	return d.Backend + "/" + d.Name
}

// IsZero reports whether d is the zero descriptor.
func (d TypeDescriptor) IsZero() bool {
	return d.Backend == "" && d.Name == ""
}

// Types are the descriptors of a driver's connection and session objects.
type Types struct {
	Connection TypeDescriptor
	Session    TypeDescriptor
}

// Kind tags a Handle.
type Kind int

const (
	KindNone Kind = iota
	KindConnection
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindSession:
		return "session"
	default:
		return "none"
	}
}

// Handle is an opaque native driver object tagged with its descriptor. The
// zero Handle stands for "no object".
type Handle struct {
	Kind  Kind
	Type  TypeDescriptor
	Value any
}

// NewConnectionHandle tags v as a connection of type d.
func NewConnectionHandle(d TypeDescriptor, v any) Handle {
	return Handle{Kind: KindConnection, Type: d, Value: v}
}

// NewSessionHandle tags v as a session of type d.
func NewSessionHandle(d TypeDescriptor, v any) Handle {
	return Handle{Kind: KindSession, Type: d, Value: v}
}

// IsZero reports whether h holds no object.
func (h Handle) IsZero() bool {
	return h.Value == nil
}

// AsConnection returns the native object if h is a connection handle.
func (h Handle) AsConnection() (any, bool) {
	if h.Kind != KindConnection || h.Value == nil {
		return nil, false
	}
	return h.Value, true
}

// AsSession returns the native object if h is a session handle.
func (h Handle) AsSession() (any, bool) {
	if h.Kind != KindSession || h.Value == nil {
		return nil, false
	}
	return h.Value, true
}

// As returns the native object of h as T.
func As[T any](h Handle) (T, bool) {
	v, ok := h.Value.(T)
	return v, ok
}

// Adapter translates lifecycle calls into native driver operations for one
// backend. A fresh Adapter is created for every activation, so the With*
// mutators only accumulate within a single Start.
type Adapter interface {
	// ResolveTypes describes the native connection and session objects.
	ResolveTypes() (Types, error)

	// WithContactPoint adds a host. Repeated calls accumulate.
	WithContactPoint(host string)
	// WithPort overrides the default port. Repeated calls overwrite.
	WithPort(port int)
	// WithClusterName sets the cluster or client name. Repeated calls overwrite.
	WithClusterName(name string)
	// WithTransportSecurity enables TLS.
	WithTransportSecurity()
	// WithCredentials attaches resolved credentials.
	WithCredentials(creds Credentials)

	// Build connects. Errors match ErrConnectionSetupFailed and nothing
	// native is left open on failure.
	Build(ctx context.Context) (Handle, error)
	// OpenSession opens a namespace-bound session on conn. Errors match
	// ErrSessionOpenFailed.
	OpenSession(ctx context.Context, conn Handle, namespace string) (Handle, error)

	// CloseSession and CloseConnection are idempotent and log their own
	// failures.
	CloseSession(ctx context.Context, session Handle)
	CloseConnection(ctx context.Context, conn Handle)
}

// Pinger is implemented by adapters that can check a live connection.
type Pinger interface {
	Ping(ctx context.Context, conn, session Handle) error
}

// TransactionEnlister is implemented by adapters that can join ambient
// transactions.
type TransactionEnlister interface {
	WithTransactionEnlistment(mode TransactionEnlistment)
}
