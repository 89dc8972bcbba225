package connection

import (
	"fmt"
	"strings"
)

// TransactionEnlistment describes how a connection joins ambient transactions.
type TransactionEnlistment string

const (
	// EnlistmentUnset means the profile did not configure enlistment.
	EnlistmentUnset TransactionEnlistment = ""
	// EnlistmentNone disables enlistment.
	EnlistmentNone TransactionEnlistment = "none"
	// EnlistmentOnePhase enlists as a one-phase-commit resource.
	EnlistmentOnePhase TransactionEnlistment = "1pc"
)

var allowedEnlistments = []TransactionEnlistment{EnlistmentNone, EnlistmentOnePhase}

// AllowedEnlistmentNames returns the accepted non-empty enlistment values.
func AllowedEnlistmentNames() []string {
	names := make([]string, 0, len(allowedEnlistments))
	for _, e := range allowedEnlistments {
		names = append(names, string(e))
	}
	return names
}

// ParseTransactionEnlistment converts an attribute value. Matching is
// case-insensitive and the empty string yields EnlistmentUnset.
func ParseTransactionEnlistment(value string) (TransactionEnlistment, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return EnlistmentUnset, nil
	}
	for _, e := range allowedEnlistments {
		if string(e) == v {
			return e, nil
		}
	}
	return EnlistmentUnset, fmt.Errorf("unknown transaction enlistment %q (allowed: %s)",
		value, strings.Join(AllowedEnlistmentNames(), ", "))
}

// Configuration is the backend-agnostic description of one connection
// profile. Values are produced by ConfigurationBuilder and are not modified
// afterwards; Service keeps its own copy.
type Configuration struct {
	// Identity names the profile and keys the registry mapping.
	Identity string
	// Backend selects the driver, e.g. "cassandra".
	Backend string
	// LookupName is the name consumers use to find the connection.
	LookupName string
	// ModuleReference names the driver module associated with the profile.
	ModuleReference string
	// SecurityDomain requires credential resolution before activation when set.
	SecurityDomain string
	// UseTransportSecurity enables TLS.
	UseTransportSecurity bool
	// TargetNamespace is the keyspace, database or graph a session is opened
	// against. Empty means no session.
	TargetNamespace string
	// TransactionEnlistment is only honoured by drivers that support it.
	TransactionEnlistment TransactionEnlistment

	// MaxPoolSize and MaxPartitionSize bound driver-side pools when the
	// driver exposes them. Zero means driver default.
	MaxPoolSize      int
	MaxPartitionSize int
	// Remote selects a remote server over an embedded database for drivers
	// that distinguish the two.
	Remote bool
}

// HasNamespace reports whether a session should be opened.
func (c Configuration) HasNamespace() bool {
	return c.TargetNamespace != ""
}

// ConfigurationBuilder accumulates attributes. The zero value is usable.
type ConfigurationBuilder struct {
	cfg Configuration
}

// NewConfigurationBuilder returns a builder for the given profile identity
// and backend.
func NewConfigurationBuilder(identity, backend string) *ConfigurationBuilder {
	return &ConfigurationBuilder{cfg: Configuration{Identity: identity, Backend: backend, Remote: true}}
}

func (b *ConfigurationBuilder) SetIdentity(identity string) *ConfigurationBuilder {
	b.cfg.Identity = identity
	return b
}

func (b *ConfigurationBuilder) SetBackend(backend string) *ConfigurationBuilder {
	b.cfg.Backend = backend
	return b
}

func (b *ConfigurationBuilder) SetLookupName(name string) *ConfigurationBuilder {
	b.cfg.LookupName = name
	return b
}

func (b *ConfigurationBuilder) SetModuleReference(module string) *ConfigurationBuilder {
	b.cfg.ModuleReference = module
	return b
}

func (b *ConfigurationBuilder) SetSecurityDomain(domain string) *ConfigurationBuilder {
	b.cfg.SecurityDomain = domain
	return b
}

func (b *ConfigurationBuilder) SetTransportSecurity(enabled bool) *ConfigurationBuilder {
	b.cfg.UseTransportSecurity = enabled
	return b
}

func (b *ConfigurationBuilder) SetTargetNamespace(namespace string) *ConfigurationBuilder {
	b.cfg.TargetNamespace = namespace
	return b
}

func (b *ConfigurationBuilder) SetTransactionEnlistment(e TransactionEnlistment) *ConfigurationBuilder {
	b.cfg.TransactionEnlistment = e
	return b
}

func (b *ConfigurationBuilder) SetMaxPoolSize(n int) *ConfigurationBuilder {
	b.cfg.MaxPoolSize = n
	return b
}

func (b *ConfigurationBuilder) SetMaxPartitionSize(n int) *ConfigurationBuilder {
	b.cfg.MaxPartitionSize = n
	return b
}

func (b *ConfigurationBuilder) SetRemote(remote bool) *ConfigurationBuilder {
	b.cfg.Remote = remote
	return b
}

// Build returns a snapshot of the accumulated attributes. Later setter calls
// do not affect snapshots already returned.
func (b *ConfigurationBuilder) Build() Configuration {
	return b.cfg
}
