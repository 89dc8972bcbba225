// Package consul resolves socket bindings from the Consul catalog and
// security domains from Consul KV.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/hashicorp/consul/api"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
)

// Config configures the Consul client.
type Config struct {
	// Address of the Consul agent (default: "127.0.0.1:8500")
	Address string `yaml:"address"`
	// Token for ACL authentication (optional)
	Token string `yaml:"token"`
	// Datacenter to query (optional)
	Datacenter string `yaml:"datacenter"`
	// Namespace for Consul Enterprise (optional)
	Namespace string `yaml:"namespace"`
	// Prefix prepended to every KV key (optional)
	Prefix string `yaml:"prefix"`
}

// Client wraps the Consul API for endpoint and credential lookups.
type Client struct {
	client *api.Client
	kv     *api.KV
	health *api.Health
	prefix string
	logger *logging.Logger
}

// NewClient creates a client. No request is made until the first lookup.
func NewClient(cfg Config) (*Client, error) {
	clientConfig := api.DefaultConfig()
	if cfg.Address != "" {
		clientConfig.Address = cfg.Address
	}
	if cfg.Token != "" {
		clientConfig.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		clientConfig.Datacenter = cfg.Datacenter
	}
	if cfg.Namespace != "" {
		clientConfig.Namespace = cfg.Namespace
	}

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &Client{
		client: client,
		kv:     client.KV(),
		health: client.Health(),
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logging.GetLogger("consul"),
	}, nil
}

// Endpoints returns one endpoint per passing instance of service. The
// instance's service address is preferred over its node address.
func (c *Client) Endpoints(ctx context.Context, service string) ([]connection.Endpoint, error) {
	entries, _, err := c.health.Service(service, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul service %q: %w", service, err)
	}

	endpoints := make([]connection.Endpoint, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		endpoints = append(endpoints, connection.Endpoint{Host: host, Port: e.Service.Port})
	}
	c.logger.Debug("Resolved %d instances of %s", len(endpoints), service)
	return endpoints, nil
}

// secret is the JSON document stored under a credential key.
type secret struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	AuthSource string `json:"auth_source"`
}

// KVCredentials resolves security domains from JSON documents in Consul KV.
// Keys maps a domain name to its KV key, relative to the client prefix.
type KVCredentials struct {
	client *Client
	keys   map[string]string
}

var _ connection.CredentialSupplier = (*KVCredentials)(nil)

// NewKVCredentials returns a supplier reading the given domain → key map.
func NewKVCredentials(client *Client, keys map[string]string) *KVCredentials {
	copied := make(map[string]string, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &KVCredentials{client: client, keys: copied}
}

func (k *KVCredentials) Credentials(ctx context.Context, domain string) (connection.Credentials, error) {
	key, ok := k.keys[domain]
	if !ok {
		return connection.Credentials{}, fmt.Errorf("%w: no consul key for domain %q", connection.ErrCredentialsUnavailable, domain)
	}
	full := key
	if k.client.prefix != "" {
		full = path.Join(k.client.prefix, key)
	}

	pair, _, err := k.client.kv.Get(full, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return connection.Credentials{}, fmt.Errorf("consul key %q: %w", full, err)
	}
	if pair == nil {
		return connection.Credentials{}, fmt.Errorf("%w: consul key %q not found", connection.ErrCredentialsUnavailable, full)
	}

	var s secret
	if err := json.Unmarshal(pair.Value, &s); err != nil {
		return connection.Credentials{}, fmt.Errorf("consul key %q: invalid credential document: %w", full, err)
	}
	return connection.Credentials{Username: s.Username, Password: s.Password, AuthSource: s.AuthSource}, nil
}
