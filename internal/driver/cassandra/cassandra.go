// Package cassandra is the Apache Cassandra driver, built on gocql.
//
// The connection handle is a keyspace-less *gocql.Session that proves the
// cluster is reachable; the session handle is a second *gocql.Session bound
// to the configured keyspace.
package cassandra

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
)

const (
	// Backend is the identifier profiles use to select this driver.
	Backend = "cassandra"
	// Version is the adapter version reported to the version gate.
	Version = "1.7.0"

	defaultHost    = "127.0.0.1"
	connectTimeout = 10 * time.Second
)

// Types are the descriptors of the native objects this driver produces.
var Types = connection.Types{
	Connection: connection.TypeDescriptor{Backend: Backend, Name: "cluster"},
	Session:    connection.TypeDescriptor{Backend: Backend, Name: "session"},
}

func init() {
	connection.RegisterDriver(connection.Driver{
		Backend:     Backend,
		Version:     Version,
		Description: "Apache Cassandra (gocql)",
		Factory:     New,
	})
}

// Adapter implements connection.Adapter for Cassandra.
type Adapter struct {
	cfg    connection.Configuration
	logger *logging.Logger

	hosts       []string
	port        int
	clusterName string
	tls         bool
	creds       *connection.Credentials

	mu     sync.Mutex
	closed map[*gocql.Session]bool
}

// New creates an adapter for one activation of cfg.
func New(cfg connection.Configuration) (connection.Adapter, error) {
	return &Adapter{
		cfg:    cfg,
		logger: logging.GetLogger("driver.cassandra").WithField("profile", cfg.Identity),
		closed: make(map[*gocql.Session]bool),
	}, nil
}

func (a *Adapter) ResolveTypes() (connection.Types, error) {
	return Types, nil
}

func (a *Adapter) WithContactPoint(host string) {
	a.hosts = append(a.hosts, host)
}

func (a *Adapter) WithPort(port int) {
	a.port = port
}

// WithClusterName records the name for logging; gocql has no client-side
// cluster name.
func (a *Adapter) WithClusterName(name string) {
	a.clusterName = name
}

func (a *Adapter) WithTransportSecurity() {
	a.tls = true
}

func (a *Adapter) WithCredentials(creds connection.Credentials) {
	a.creds = &creds
}

// clusterConfig renders the accumulated settings. An empty keyspace yields a
// keyspace-less config.
func (a *Adapter) clusterConfig(keyspace string) *gocql.ClusterConfig {
	hosts := a.hosts
	if len(hosts) == 0 {
		hosts = []string{defaultHost}
	}

	cluster := gocql.NewCluster(hosts...)
	if a.port > 0 {
		cluster.Port = a.port
	}
	cluster.Keyspace = keyspace
	cluster.ConnectTimeout = connectTimeout
	if a.cfg.MaxPoolSize > 0 {
		cluster.NumConns = a.cfg.MaxPoolSize
	}
	if a.creds != nil && !a.creds.IsZero() {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: a.creds.Username,
			Password: a.creds.Password,
		}
	}
	if a.tls {
		cluster.SslOpts = &gocql.SslOptions{
			Config:                 &tls.Config{MinVersion: tls.VersionTLS12},
			EnableHostVerification: true,
		}
	}
	return cluster
}

// Build connects to the cluster without selecting a keyspace.
func (a *Adapter) Build(ctx context.Context) (connection.Handle, error) {
	cluster := a.clusterConfig("")
	a.logger.Info("Connecting to %v (port %d, cluster %s, tls %t)", cluster.Hosts, cluster.Port, a.clusterName, a.tls)

	session, err := createSession(ctx, cluster)
	if err != nil {
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	return connection.NewConnectionHandle(Types.Connection, session), nil
}

// OpenSession opens a session bound to keyspace. Unknown keyspaces fail.
func (a *Adapter) OpenSession(ctx context.Context, conn connection.Handle, keyspace string) (connection.Handle, error) {
	if _, ok := connection.As[*gocql.Session](conn); !ok {
		return connection.Handle{}, connection.SessionError(Backend, keyspace, fmt.Errorf("not a cassandra connection: %s", conn.Type))
	}

	session, err := createSession(ctx, a.clusterConfig(keyspace))
	if err != nil {
		return connection.Handle{}, connection.SessionError(Backend, keyspace, err)
	}
	return connection.NewSessionHandle(Types.Session, session), nil
}

// createSession runs gocql's blocking connect and gives up when ctx ends.
// A session that connects after ctx ended is closed.
func createSession(ctx context.Context, cluster *gocql.ClusterConfig) (*gocql.Session, error) {
	type result struct {
		session *gocql.Session
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := cluster.CreateSession()
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.session, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.session != nil {
				r.session.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *Adapter) CloseSession(ctx context.Context, session connection.Handle) {
	a.close(session)
}

func (a *Adapter) CloseConnection(ctx context.Context, conn connection.Handle) {
	a.close(conn)
}

func (a *Adapter) close(h connection.Handle) {
	s, ok := connection.As[*gocql.Session](h)
	if !ok || s == nil {
		return
	}

	a.mu.Lock()
	if a.closed[s] {
		a.mu.Unlock()
		return
	}
	a.closed[s] = true
	a.mu.Unlock()

	if !s.Closed() {
		s.Close()
	}
	a.logger.Debug("Closed %s", h.Type)
}

// Ping queries system.local on the connection session.
func (a *Adapter) Ping(ctx context.Context, conn, _ connection.Handle) error {
	s, ok := connection.As[*gocql.Session](conn)
	if !ok || s == nil {
		return fmt.Errorf("cassandra: no live connection")
	}
	return s.Query("SELECT release_version FROM system.local").WithContext(ctx).Exec()
}
