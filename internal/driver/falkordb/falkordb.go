// Package falkordb is the FalkorDB graph driver. The connection handle is the
// *falkordb.FalkorDB client and the session handle is the *falkordb.Graph
// named by the profile namespace.
package falkordb

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/FalkorDB/falkordb-go/v2"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
)

const (
	Backend = "falkordb"
	Version = "2.0.2"

	defaultHost = "localhost"
	defaultPort = 6379
	dialTimeout = 10 * time.Second
)

var Types = connection.Types{
	Connection: connection.TypeDescriptor{Backend: Backend, Name: "client"},
	Session:    connection.TypeDescriptor{Backend: Backend, Name: "graph"},
}

func init() {
	connection.RegisterDriver(connection.Driver{
		Backend:     Backend,
		Version:     Version,
		Description: "FalkorDB graph (falkordb-go)",
		Factory:     New,
	})
}

// Adapter implements connection.Adapter for FalkorDB.
type Adapter struct {
	cfg    connection.Configuration
	logger *logging.Logger

	hosts      []string
	port       int
	clientName string
	tls        bool
	creds      *connection.Credentials

	mu     sync.Mutex
	closed bool
}

func New(cfg connection.Configuration) (connection.Adapter, error) {
	return &Adapter{
		cfg:    cfg,
		logger: logging.GetLogger("driver.falkordb").WithField("profile", cfg.Identity),
	}, nil
}

func (a *Adapter) ResolveTypes() (connection.Types, error) {
	return Types, nil
}

// WithContactPoint adds a host; only the first is dialled.
func (a *Adapter) WithContactPoint(host string) { a.hosts = append(a.hosts, host) }
func (a *Adapter) WithPort(port int)            { a.port = port }

// WithClusterName is sent as the client name (CLIENT SETNAME).
func (a *Adapter) WithClusterName(name string) { a.clientName = name }
func (a *Adapter) WithTransportSecurity()      { a.tls = true }
func (a *Adapter) WithCredentials(creds connection.Credentials) {
	a.creds = &creds
}

func (a *Adapter) connectionOption() *falkordb.ConnectionOption {
	host := defaultHost
	if len(a.hosts) > 0 {
		host = a.hosts[0]
	}
	port := defaultPort
	if a.port > 0 {
		port = a.port
	}

	opts := &falkordb.ConnectionOption{
		Addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		ClientName:  a.clientName,
		DialTimeout: dialTimeout,
		PoolSize:    a.cfg.MaxPoolSize,
	}
	if a.creds != nil && !a.creds.IsZero() {
		opts.Username = a.creds.Username
		opts.Password = a.creds.Password
	}
	if a.tls {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Build creates the client and pings the server.
func (a *Adapter) Build(ctx context.Context) (connection.Handle, error) {
	opts := a.connectionOption()
	a.logger.Info("Connecting to FalkorDB at %s", opts.Addr)

	db, err := falkordb.FalkorDBNew(opts)
	if err != nil {
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	if err := db.Conn.Ping(ctx).Err(); err != nil {
		if cerr := db.Conn.Close(); cerr != nil {
			a.logger.Warn("Close after failed ping: %v", cerr)
		}
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	return connection.NewConnectionHandle(Types.Connection, db), nil
}

// OpenSession selects the graph and runs a trivial query against it.
func (a *Adapter) OpenSession(ctx context.Context, conn connection.Handle, graph string) (connection.Handle, error) {
	db, ok := connection.As[*falkordb.FalkorDB](conn)
	if !ok {
		return connection.Handle{}, connection.SessionError(Backend, graph, fmt.Errorf("not a falkordb connection: %s", conn.Type))
	}

	g := db.SelectGraph(graph)
	if _, err := g.Query("RETURN 1", nil, nil); err != nil {
		return connection.Handle{}, connection.SessionError(Backend, graph, err)
	}
	return connection.NewSessionHandle(Types.Session, g), nil
}

// CloseSession is a no-op; graphs share the client connection.
func (a *Adapter) CloseSession(ctx context.Context, session connection.Handle) {}

func (a *Adapter) CloseConnection(ctx context.Context, conn connection.Handle) {
	db, ok := connection.As[*falkordb.FalkorDB](conn)
	if !ok || db == nil || db.Conn == nil {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if err := db.Conn.Close(); err != nil {
		a.logger.Warn("Close failed: %v", err)
	}
}

func (a *Adapter) Ping(ctx context.Context, conn, _ connection.Handle) error {
	db, ok := connection.As[*falkordb.FalkorDB](conn)
	if !ok || db == nil || db.Conn == nil {
		return fmt.Errorf("falkordb: no live connection")
	}
	return db.Conn.Ping(ctx).Err()
}
