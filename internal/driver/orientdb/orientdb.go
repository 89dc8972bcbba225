// Package orientdb is the OrientDB driver. It talks to the server's HTTP API
// through a pooled go-cleanhttp transport sized by max_pool_size and
// max_partition_size.
package orientdb

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
)

const (
	Backend = "orientdb"
	Version = "1.0.0"

	defaultHost    = "localhost"
	defaultPort    = 2480
	requestTimeout = 30 * time.Second
)

var Types = connection.Types{
	Connection: connection.TypeDescriptor{Backend: Backend, Name: "server"},
	Session:    connection.TypeDescriptor{Backend: Backend, Name: "database"},
}

func init() {
	connection.RegisterDriver(connection.Driver{
		Backend:     Backend,
		Version:     Version,
		Description: "OrientDB (HTTP API)",
		Factory:     New,
	})
}

// Server is the connection object: a pooled HTTP client bound to one
// OrientDB server.
type Server struct {
	BaseURL   *url.URL
	Client    *http.Client
	UserAgent string
	creds     *connection.Credentials
	transport *http.Transport
}

// Database is the session object for one database on a Server.
type Database struct {
	Server *Server
	Name   string
}

// Do sends req with authentication and user agent applied.
func (s *Server) Do(req *http.Request) (*http.Response, error) {
	if s.creds != nil && !s.creds.IsZero() {
		req.SetBasicAuth(s.creds.Username, s.creds.Password)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	req.Header.Set("Accept", "application/json")
	return s.Client.Do(req)
}

// get issues GET path and returns the status code. The body is drained.
func (s *Server) get(ctx context.Context, path string) (int, error) {
	u := s.BaseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Adapter implements connection.Adapter for OrientDB.
type Adapter struct {
	cfg    connection.Configuration
	logger *logging.Logger

	hosts     []string
	port      int
	userAgent string
	tls       bool
	creds     *connection.Credentials

	mu     sync.Mutex
	closed map[any]bool
}

func New(cfg connection.Configuration) (connection.Adapter, error) {
	return &Adapter{
		cfg:    cfg,
		logger: logging.GetLogger("driver.orientdb").WithField("profile", cfg.Identity),
		closed: make(map[any]bool),
	}, nil
}

func (a *Adapter) ResolveTypes() (connection.Types, error) {
	return Types, nil
}

// WithContactPoint adds a server. Only the first one is used; OrientDB
// clusters replicate behind any member.
func (a *Adapter) WithContactPoint(host string) { a.hosts = append(a.hosts, host) }
func (a *Adapter) WithPort(port int)            { a.port = port }
func (a *Adapter) WithClusterName(name string)  { a.userAgent = name }
func (a *Adapter) WithTransportSecurity()       { a.tls = true }
func (a *Adapter) WithCredentials(creds connection.Credentials) {
	a.creds = &creds
}

func (a *Adapter) baseURL() *url.URL {
	scheme := "http"
	if a.tls {
		scheme = "https"
	}
	host := defaultHost
	if len(a.hosts) > 0 {
		host = a.hosts[0]
	}
	port := defaultPort
	if a.port > 0 {
		port = a.port
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (a *Adapter) transport() *http.Transport {
	t := cleanhttp.DefaultPooledTransport()
	if a.cfg.MaxPoolSize > 0 {
		t.MaxConnsPerHost = a.cfg.MaxPoolSize
	}
	if a.cfg.MaxPartitionSize > 0 {
		t.MaxIdleConnsPerHost = a.cfg.MaxPartitionSize
	}
	if a.tls {
		t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return t
}

// Build creates the pooled client and checks the server with /listDatabases.
func (a *Adapter) Build(ctx context.Context) (connection.Handle, error) {
	if !a.cfg.Remote {
		return connection.Handle{}, connection.SetupError(Backend, fmt.Errorf("embedded databases are not supported, set remote: true"))
	}

	t := a.transport()
	server := &Server{
		BaseURL:   a.baseURL(),
		Client:    &http.Client{Transport: t, Timeout: requestTimeout},
		UserAgent: a.userAgent,
		creds:     a.creds,
		transport: t,
	}
	a.logger.Info("Connecting to %s (pool %d, partition %d)", server.BaseURL, a.cfg.MaxPoolSize, a.cfg.MaxPartitionSize)

	status, err := server.get(ctx, "/listDatabases")
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("unexpected status %d from /listDatabases", status)
	}
	if err != nil {
		t.CloseIdleConnections()
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	return connection.NewConnectionHandle(Types.Connection, server), nil
}

// OpenSession connects to database. 401 means access denied, anything else
// outside 2xx means the database is unavailable.
func (a *Adapter) OpenSession(ctx context.Context, conn connection.Handle, database string) (connection.Handle, error) {
	server, ok := connection.As[*Server](conn)
	if !ok {
		return connection.Handle{}, connection.SessionError(Backend, database, fmt.Errorf("not an orientdb connection: %s", conn.Type))
	}

	status, err := server.get(ctx, "/connect/"+url.PathEscape(database))
	if err != nil {
		return connection.Handle{}, connection.SessionError(Backend, database, err)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return connection.Handle{}, connection.SessionError(Backend, database, fmt.Errorf("access denied (status %d)", status))
	case status < 200 || status > 299:
		return connection.Handle{}, connection.SessionError(Backend, database, fmt.Errorf("database unavailable (status %d)", status))
	}
	return connection.NewSessionHandle(Types.Session, &Database{Server: server, Name: database}), nil
}

func (a *Adapter) markClosed(v any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed[v] {
		return true
	}
	a.closed[v] = true
	return false
}

// CloseSession calls /disconnect. The server always answers 401 there, so
// the status is ignored.
func (a *Adapter) CloseSession(ctx context.Context, h connection.Handle) {
	db, ok := connection.As[*Database](h)
	if !ok || db == nil || a.markClosed(db) {
		return
	}
	if _, err := db.Server.get(ctx, "/disconnect"); err != nil {
		a.logger.Warn("Disconnect from %s failed: %v", db.Name, err)
	}
}

func (a *Adapter) CloseConnection(ctx context.Context, h connection.Handle) {
	server, ok := connection.As[*Server](h)
	if !ok || server == nil || a.markClosed(server) {
		return
	}
	server.transport.CloseIdleConnections()
}

func (a *Adapter) Ping(ctx context.Context, conn, _ connection.Handle) error {
	server, ok := connection.As[*Server](conn)
	if !ok || server == nil {
		return fmt.Errorf("orientdb: no live connection")
	}
	status, err := server.get(ctx, "/listDatabases")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("orientdb: status %d", status)
	}
	return nil
}
