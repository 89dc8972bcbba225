package config

import (
	"fmt"
	"strings"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/consul"
	"github.com/moolen/nosql/internal/naming"
)

// SchemaVersion is the only profiles file schema understood by this build.
const SchemaVersion = "v1"

// ProfilesFile is the top-level structure of the profiles file.
//
// Example YAML structure:
//
//	schema_version: v1
//	socket_bindings:
//	  cassandra-a:
//	    host: 10.0.0.1
//	    port: 9042
//	  cassandra-pool:
//	    consul_service: cassandra
//	security_domains:
//	  cassandra-sec:
//	    username: app
//	    password_env: CASSANDRA_PASSWORD
//	profiles:
//	  - id: order-db
//	    type: cassandra
//	    lookup_name: java:jboss/cassandra/orders
//	    module: org.orders
//	    security_domain: cassandra-sec
//	    namespace: orders
//	    hosts: [cassandra-a]
type ProfilesFile struct {
	// SchemaVersion is the explicit config schema version (e.g., "v1")
	SchemaVersion string `yaml:"schema_version"`

	// MinDriverVersion rejects drivers that report a lower version (optional)
	MinDriverVersion string `yaml:"min_driver_version,omitempty"`

	// CredentialPolicy is "fail-closed" (default) or "fail-open"
	CredentialPolicy string `yaml:"credential_policy,omitempty"`

	// Consul configures the client used by consul_service and consul_key entries
	Consul *consul.Config `yaml:"consul,omitempty"`

	SocketBindings  map[string]SocketBinding  `yaml:"socket_bindings,omitempty"`
	SecurityDomains map[string]SecurityDomain `yaml:"security_domains,omitempty"`
	Profiles        []Profile                 `yaml:"profiles"`
}

// SocketBinding names a remote endpoint, either statically or through the Consul catalog.
type SocketBinding struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// ConsulService resolves the binding to every passing instance of the service
	ConsulService string `yaml:"consul_service,omitempty"`
}

// SecurityDomain names a set of credentials.
type SecurityDomain struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// PasswordEnv reads the password from the environment at start time
	PasswordEnv string `yaml:"password_env,omitempty"`
	AuthSource  string `yaml:"auth_source,omitempty"`

	// ConsulKey reads a JSON credential document from Consul KV
	ConsulKey string `yaml:"consul_key,omitempty"`
}

// Profile is one named connection profile.
type Profile struct {
	// ID is the unique profile id, also used as the cluster name
	ID string `yaml:"id"`

	// Type is the backend driver (cassandra, mongo, neo4j, orientdb, falkordb)
	Type string `yaml:"type"`

	Enabled        *bool  `yaml:"enabled,omitempty"`
	LookupName     string `yaml:"lookup_name,omitempty"`
	Module         string `yaml:"module,omitempty"`
	SecurityDomain string `yaml:"security_domain,omitempty"`
	SSL            bool   `yaml:"ssl,omitempty"`
	Namespace      string `yaml:"namespace,omitempty"`

	// Transaction is "", "none" or "1pc"
	Transaction string `yaml:"transaction,omitempty"`

	// Hosts lists socket binding names
	Hosts []string `yaml:"hosts,omitempty"`

	MaxPoolSize      int   `yaml:"max_pool_size,omitempty"`
	MaxPartitionSize int   `yaml:"max_partition_size,omitempty"`
	Remote           *bool `yaml:"remote,omitempty"`

	// Bind is "", "connection" or "session"
	Bind string `yaml:"bind,omitempty"`
}

// IsEnabled reports whether the profile should be started. Profiles are enabled by default.
func (p Profile) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ConnectionConfiguration converts the profile into a connection configuration.
// The profile must have passed Validate.
func (p Profile) ConnectionConfiguration() connection.Configuration {
	enlistment, _ := connection.ParseTransactionEnlistment(p.Transaction)
	b := connection.NewConfigurationBuilder(p.ID, p.Type).
		SetLookupName(p.LookupName).
		SetModuleReference(p.Module).
		SetSecurityDomain(p.SecurityDomain).
		SetTransportSecurity(p.SSL).
		SetTargetNamespace(p.Namespace).
		SetTransactionEnlistment(enlistment).
		SetMaxPoolSize(p.MaxPoolSize).
		SetMaxPartitionSize(p.MaxPartitionSize)
	if p.Remote != nil {
		b.SetRemote(*p.Remote)
	}
	return b.Build()
}

// Policy returns the parsed credential policy.
func (f *ProfilesFile) Policy() connection.CredentialPolicy {
	p, _ := connection.ParseCredentialPolicy(f.CredentialPolicy)
	return p
}

// NeedsConsul reports whether any binding or domain is resolved through Consul.
func (f *ProfilesFile) NeedsConsul() bool {
	for _, b := range f.SocketBindings {
		if b.ConsulService != "" {
			return true
		}
	}
	for _, d := range f.SecurityDomains {
		if d.ConsulKey != "" {
			return true
		}
	}
	return false
}

// Validate checks that the ProfilesFile is valid.
func (f *ProfilesFile) Validate() error {
	if f.SchemaVersion != SchemaVersion {
		return NewConfigError(fmt.Sprintf(
			"unsupported schema_version: %q (expected %q)",
			f.SchemaVersion, SchemaVersion,
		))
	}

	if _, err := connection.ParseCredentialPolicy(f.CredentialPolicy); err != nil {
		return NewConfigError(err.Error())
	}

	for name, b := range f.SocketBindings {
		switch {
		case b.ConsulService != "" && b.Host != "":
			return NewConfigError(fmt.Sprintf("socket_binding %q: host and consul_service are mutually exclusive", name))
		case b.ConsulService == "" && b.Host == "":
			return NewConfigError(fmt.Sprintf("socket_binding %q: host or consul_service is required", name))
		case b.Port < 0 || b.Port > 65535:
			return NewConfigError(fmt.Sprintf("socket_binding %q: port %d out of range", name, b.Port))
		}
	}

	for name, d := range f.SecurityDomains {
		if d.ConsulKey != "" && (d.Username != "" || d.Password != "" || d.PasswordEnv != "") {
			return NewConfigError(fmt.Sprintf("security_domain %q: consul_key cannot be combined with static credentials", name))
		}
		if d.Password != "" && d.PasswordEnv != "" {
			return NewConfigError(fmt.Sprintf("security_domain %q: password and password_env are mutually exclusive", name))
		}
	}

	seenIDs := make(map[string]bool)
	seenLookups := make(map[string]string)

	for i, p := range f.Profiles {
		if p.ID == "" {
			return NewConfigError(fmt.Sprintf("profile[%d]: id is required", i))
		}
		if p.Type == "" {
			return NewConfigError(fmt.Sprintf("profile[%d] (%s): type is required", i, p.ID))
		}
		if seenIDs[p.ID] {
			return NewConfigError(fmt.Sprintf("profile[%d]: duplicate profile id %q", i, p.ID))
		}
		seenIDs[p.ID] = true

		if p.LookupName != "" {
			if owner, ok := seenLookups[p.LookupName]; ok {
				return NewConfigError(fmt.Sprintf(
					"profile[%d] (%s): lookup_name %q already used by %q",
					i, p.ID, p.LookupName, owner,
				))
			}
			seenLookups[p.LookupName] = p.ID
		}

		if _, err := connection.ParseTransactionEnlistment(p.Transaction); err != nil {
			return NewConfigError(fmt.Sprintf("profile[%d] (%s): %v", i, p.ID, err))
		}
		target, err := naming.ParseBindTarget(p.Bind)
		if err != nil {
			return NewConfigError(fmt.Sprintf("profile[%d] (%s): %v", i, p.ID, err))
		}
		if target == naming.BindSession && p.Namespace == "" {
			return NewConfigError(fmt.Sprintf("profile[%d] (%s): bind: session requires a namespace", i, p.ID))
		}

		if p.SecurityDomain != "" {
			if _, ok := f.SecurityDomains[p.SecurityDomain]; !ok {
				return NewConfigError(fmt.Sprintf(
					"profile[%d] (%s): unknown security_domain %q",
					i, p.ID, p.SecurityDomain,
				))
			}
		}

		for _, h := range p.Hosts {
			if _, ok := f.SocketBindings[h]; !ok {
				return NewConfigError(fmt.Sprintf(
					"profile[%d] (%s): unknown socket_binding %q",
					i, p.ID, h,
				))
			}
		}

		if p.MaxPoolSize < 0 || p.MaxPartitionSize < 0 {
			return NewConfigError(fmt.Sprintf("profile[%d] (%s): pool sizes must not be negative", i, p.ID))
		}
		if strings.ContainsAny(p.ID, " /") {
			return NewConfigError(fmt.Sprintf("profile[%d]: id %q must not contain spaces or slashes", i, p.ID))
		}
	}

	return nil
}
