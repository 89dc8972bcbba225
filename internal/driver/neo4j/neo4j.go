// Package neo4j is the Neo4j driver, built on neo4j-go-driver v5. It is the
// only driver that accepts a transaction enlistment mode.
package neo4j

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
)

const (
	Backend = "neo4j"
	Version = "5.28.4"

	defaultHost = "localhost"
	defaultPort = 7687
)

var Types = connection.Types{
	Connection: connection.TypeDescriptor{Backend: Backend, Name: "driver"},
	Session:    connection.TypeDescriptor{Backend: Backend, Name: "session"},
}

func init() {
	connection.RegisterDriver(connection.Driver{
		Backend:              Backend,
		Version:              Version,
		Description:          "Neo4j (neo4j-go-driver v5)",
		SupportsTransactions: true,
		Factory:              New,
	})
}

// Adapter implements connection.Adapter and connection.TransactionEnlister.
type Adapter struct {
	cfg    connection.Configuration
	logger *logging.Logger

	hosts      []string
	port       int
	userAgent  string
	tls        bool
	creds      *connection.Credentials
	enlistment connection.TransactionEnlistment

	mu     sync.Mutex
	closed map[any]bool
}

func New(cfg connection.Configuration) (connection.Adapter, error) {
	return &Adapter{
		cfg:    cfg,
		logger: logging.GetLogger("driver.neo4j").WithField("profile", cfg.Identity),
		closed: make(map[any]bool),
	}, nil
}

func (a *Adapter) ResolveTypes() (connection.Types, error) {
	return Types, nil
}

func (a *Adapter) WithContactPoint(host string) { a.hosts = append(a.hosts, host) }
func (a *Adapter) WithPort(port int)            { a.port = port }

// WithClusterName is sent as the Bolt user agent.
func (a *Adapter) WithClusterName(name string) { a.userAgent = name }
func (a *Adapter) WithTransportSecurity()      { a.tls = true }
func (a *Adapter) WithCredentials(creds connection.Credentials) {
	a.creds = &creds
}

func (a *Adapter) WithTransactionEnlistment(mode connection.TransactionEnlistment) {
	a.enlistment = mode
}

// Enlistment returns the configured transaction enlistment mode.
func (a *Adapter) Enlistment() connection.TransactionEnlistment {
	return a.enlistment
}

// target returns the routing URI for the first contact point.
func (a *Adapter) target() string {
	scheme := "neo4j"
	if a.tls {
		scheme = "neo4j+s"
	}
	host := defaultHost
	if len(a.hosts) > 0 {
		host = a.hosts[0]
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(a.effectivePort())))
}

func (a *Adapter) effectivePort() int {
	if a.port > 0 {
		return a.port
	}
	return defaultPort
}

type serverAddress struct {
	host string
	port string
}

func (s serverAddress) Hostname() string { return s.host }
func (s serverAddress) Port() string     { return s.port }

// resolver expands the routing address into every contact point.
func (a *Adapter) resolver() config.ServerAddressResolver {
	if len(a.hosts) < 2 {
		return nil
	}
	port := strconv.Itoa(a.effectivePort())
	addrs := make([]config.ServerAddress, 0, len(a.hosts))
	for _, h := range a.hosts {
		addrs = append(addrs, serverAddress{host: h, port: port})
	}
	return func(config.ServerAddress) []config.ServerAddress {
		return addrs
	}
}

func (a *Adapter) auth() neo4j.AuthToken {
	if a.creds == nil || a.creds.IsZero() {
		return neo4j.NoAuth()
	}
	return neo4j.BasicAuth(a.creds.Username, a.creds.Password, a.creds.AuthSource)
}

func (a *Adapter) configure(c *config.Config) {
	if a.userAgent != "" {
		c.UserAgent = a.userAgent
	}
	if r := a.resolver(); r != nil {
		c.AddressResolver = r
	}
	if a.cfg.MaxPoolSize > 0 {
		c.MaxConnectionPoolSize = a.cfg.MaxPoolSize
	}
}

// Build creates the driver and verifies connectivity.
func (a *Adapter) Build(ctx context.Context) (connection.Handle, error) {
	target := a.target()
	a.logger.Info("Connecting to %s (%d contact points, enlistment %q)", target, len(a.hosts), a.enlistment)

	driver, err := neo4j.NewDriverWithContext(target, a.auth(), a.configure)
	if err != nil {
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		if cerr := driver.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("Close after failed connectivity check: %v", cerr)
		}
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	return connection.NewConnectionHandle(Types.Connection, driver), nil
}

// OpenSession opens a session on database and runs a trivial query so that
// unknown databases and missing privileges fail here.
func (a *Adapter) OpenSession(ctx context.Context, conn connection.Handle, database string) (connection.Handle, error) {
	driver, ok := connection.As[neo4j.DriverWithContext](conn)
	if !ok {
		return connection.Handle{}, connection.SessionError(Backend, database, fmt.Errorf("not a neo4j connection: %s", conn.Type))
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})
	result, err := session.Run(ctx, "RETURN 1", nil)
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		if cerr := session.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("Close after failed session check: %v", cerr)
		}
		return connection.Handle{}, connection.SessionError(Backend, database, err)
	}
	return connection.NewSessionHandle(Types.Session, session), nil
}

// markClosed reports whether v was already closed and marks it.
func (a *Adapter) markClosed(v any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed[v] {
		return true
	}
	a.closed[v] = true
	return false
}

func (a *Adapter) CloseSession(ctx context.Context, h connection.Handle) {
	session, ok := connection.As[neo4j.SessionWithContext](h)
	if !ok || session == nil || a.markClosed(session) {
		return
	}
	if err := session.Close(ctx); err != nil {
		a.logger.Warn("Session close failed: %v", err)
	}
}

func (a *Adapter) CloseConnection(ctx context.Context, h connection.Handle) {
	driver, ok := connection.As[neo4j.DriverWithContext](h)
	if !ok || driver == nil || a.markClosed(driver) {
		return
	}
	if err := driver.Close(ctx); err != nil {
		a.logger.Warn("Driver close failed: %v", err)
	}
}

func (a *Adapter) Ping(ctx context.Context, conn, _ connection.Handle) error {
	driver, ok := connection.As[neo4j.DriverWithContext](conn)
	if !ok || driver == nil {
		return fmt.Errorf("neo4j: no live connection")
	}
	return driver.VerifyConnectivity(ctx)
}
