// Package security resolves named security domains to credentials.
package security

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
)

// Domain is a statically configured security domain. PasswordEnv, when set,
// names an environment variable read at resolution time and takes precedence
// over Password.
type Domain struct {
	Name        string
	Username    string
	Password    string
	PasswordEnv string
	AuthSource  string
}

// Domains resolves security domains either from static definitions or by
// delegating to another supplier (for example Consul KV). It implements
// connection.CredentialSupplier.
type Domains struct {
	mu        sync.RWMutex
	static    map[string]Domain
	delegated map[string]connection.CredentialSupplier
	logger    *logging.Logger
}

var _ connection.CredentialSupplier = (*Domains)(nil)

// NewDomains creates an empty resolver.
func NewDomains() *Domains {
	return &Domains{
		static:    make(map[string]Domain),
		delegated: make(map[string]connection.CredentialSupplier),
		logger:    logging.GetLogger("security"),
	}
}

// AddStatic registers a static domain.
func (d *Domains) AddStatic(domain Domain) error {
	if domain.Name == "" {
		return fmt.Errorf("security domain name cannot be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exists(domain.Name) {
		return fmt.Errorf("security domain %q is already defined", domain.Name)
	}
	d.static[domain.Name] = domain
	return nil
}

// AddDelegated routes a domain to supplier.
func (d *Domains) AddDelegated(name string, supplier connection.CredentialSupplier) error {
	if name == "" {
		return fmt.Errorf("security domain name cannot be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exists(name) {
		return fmt.Errorf("security domain %q is already defined", name)
	}
	d.delegated[name] = supplier
	return nil
}

func (d *Domains) exists(name string) bool {
	_, s := d.static[name]
	_, del := d.delegated[name]
	return s || del
}

// Names returns all known domain names, sorted.
func (d *Domains) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.static)+len(d.delegated))
	for n := range d.static {
		names = append(names, n)
	}
	for n := range d.delegated {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Credentials resolves domain. Unknown domains and empty environment
// variables yield connection.ErrCredentialsUnavailable.
func (d *Domains) Credentials(ctx context.Context, domain string) (connection.Credentials, error) {
	d.mu.RLock()
	static, isStatic := d.static[domain]
	delegate, isDelegated := d.delegated[domain]
	d.mu.RUnlock()

	switch {
	case isStatic:
		password := static.Password
		if static.PasswordEnv != "" {
			password = os.Getenv(static.PasswordEnv)
			if password == "" {
				return connection.Credentials{}, fmt.Errorf("%w: environment variable %s for domain %q is empty",
					connection.ErrCredentialsUnavailable, static.PasswordEnv, domain)
			}
		}
		return connection.Credentials{
			Username:   static.Username,
			Password:   password,
			AuthSource: static.AuthSource,
		}, nil
	case isDelegated:
		d.logger.Debug("Resolving security domain %s through delegate", domain)
		return delegate.Credentials(ctx, domain)
	default:
		return connection.Credentials{}, fmt.Errorf("%w: unknown security domain %q", connection.ErrCredentialsUnavailable, domain)
	}
}
