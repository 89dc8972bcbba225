package subsystem

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/moolen/nosql/internal/config"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/consul"
	"github.com/moolen/nosql/internal/naming"
	"github.com/moolen/nosql/internal/security"
)

// install creates one service per enabled profile and injects its
// dependencies. Nothing is registered with the manager; see swap.
func (m *Manager) install(ctx context.Context, profiles *config.ProfilesFile) ([]installedProfile, error) {
	var consulClient *consul.Client
	if profiles.NeedsConsul() {
		cfg := consul.Config{}
		if profiles.Consul != nil {
			cfg = *profiles.Consul
		}
		c, err := consul.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		consulClient = c
	}

	domains, err := securityDomains(profiles, consulClient)
	if err != nil {
		return nil, err
	}
	policy := profiles.Policy()

	installed := make([]installedProfile, 0, len(profiles.Profiles))
	seen := make(map[string]bool, len(profiles.Profiles))
	for _, p := range profiles.Profiles {
		if !p.IsEnabled() {
			m.logger.Debug("Skipping disabled profile: %s", p.ID)
			continue
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true

		opts := []connection.Option{
			connection.WithDrivers(m.drivers),
			connection.WithCredentialPolicy(policy),
		}
		if m.config.Tracer != nil {
			opts = append(opts, connection.WithTracer(m.config.Tracer))
		}
		svc := connection.NewService(p.ConnectionConfiguration(), opts...)

		m.injectEndpoints(ctx, svc, p, profiles.SocketBindings, consulClient)

		if p.SecurityDomain != "" {
			if err := svc.SetCredentialSupplier(domains); err != nil {
				return nil, err
			}
		}
		if err := svc.SetRegistry(m.mapping); err != nil {
			return nil, err
		}

		target, _ := naming.ParseBindTarget(p.Bind)
		installed = append(installed, installedProfile{svc: svc, target: target})
	}

	return installed, nil
}

// injectEndpoints feeds every socket binding of p into svc. Consul-backed
// bindings expand to one endpoint per passing instance; a lookup failure is
// logged and the binding contributes nothing.
func (m *Manager) injectEndpoints(ctx context.Context, svc *connection.Service, p config.Profile,
	bindings map[string]config.SocketBinding, consulClient *consul.Client) {
	for _, name := range p.Hosts {
		b := bindings[name]
		if b.ConsulService == "" {
			svc.EndpointInjector(name)(connection.Endpoint{Host: b.Host, Port: b.Port})
			continue
		}

		endpoints, err := consulClient.Endpoints(ctx, b.ConsulService)
		if err != nil {
			m.logger.Warn("Profile %s: socket binding %s unresolved: %v", p.ID, name, err)
			continue
		}
		if len(endpoints) == 0 {
			m.logger.Warn("Profile %s: no passing instances of %s", p.ID, b.ConsulService)
		}
		for i, ep := range endpoints {
			svc.EndpointInjector(instanceKey(name, i, len(endpoints)))(ep)
		}
	}
}

// instanceKey names the i-th of n catalog instances of a binding. The index
// is zero-padded so sorted endpoint iteration follows catalog order.
func instanceKey(binding string, i, n int) string {
	width := len(strconv.Itoa(n - 1))
	return fmt.Sprintf("%s/%0*d", binding, width, i)
}

func securityDomains(profiles *config.ProfilesFile, consulClient *consul.Client) (*security.Domains, error) {
	domains := security.NewDomains()
	kvKeys := make(map[string]string)

	names := make([]string, 0, len(profiles.SecurityDomains))
	for name := range profiles.SecurityDomains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := profiles.SecurityDomains[name]
		if d.ConsulKey != "" {
			kvKeys[name] = d.ConsulKey
			continue
		}
		if err := domains.AddStatic(security.Domain{
			Name:        name,
			Username:    d.Username,
			Password:    d.Password,
			PasswordEnv: d.PasswordEnv,
			AuthSource:  d.AuthSource,
		}); err != nil {
			return nil, err
		}
	}

	if len(kvKeys) > 0 {
		kv := consul.NewKVCredentials(consulClient, kvKeys)
		for _, name := range names {
			if _, ok := kvKeys[name]; ok {
				if err := domains.AddDelegated(name, kv); err != nil {
					return nil, err
				}
			}
		}
	}
	return domains, nil
}
