// Package mongo is the MongoDB driver, built on the official mongo-driver.
//
// The connection handle is a *mongo.Client; the session handle is the
// *mongo.Database named by the profile namespace.
package mongo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	Backend = "mongo"
	Version = "1.17.6"

	defaultHost = "localhost"
	defaultPort = 27017
)

var Types = connection.Types{
	Connection: connection.TypeDescriptor{Backend: Backend, Name: "client"},
	Session:    connection.TypeDescriptor{Backend: Backend, Name: "database"},
}

func init() {
	connection.RegisterDriver(connection.Driver{
		Backend:     Backend,
		Version:     Version,
		Description: "MongoDB (mongo-go-driver)",
		Factory:     New,
	})
}

// Adapter implements connection.Adapter for MongoDB.
type Adapter struct {
	cfg    connection.Configuration
	logger *logging.Logger

	hosts   []string
	port    int
	appName string
	tls     bool
	creds   *connection.Credentials

	mu           sync.Mutex
	disconnected bool
}

func New(cfg connection.Configuration) (connection.Adapter, error) {
	return &Adapter{
		cfg:    cfg,
		logger: logging.GetLogger("driver.mongo").WithField("profile", cfg.Identity),
	}, nil
}

func (a *Adapter) ResolveTypes() (connection.Types, error) {
	return Types, nil
}

func (a *Adapter) WithContactPoint(host string) { a.hosts = append(a.hosts, host) }
func (a *Adapter) WithPort(port int)            { a.port = port }

// WithClusterName sets the application name reported to the server.
func (a *Adapter) WithClusterName(name string) { a.appName = name }
func (a *Adapter) WithTransportSecurity()      { a.tls = true }
func (a *Adapter) WithCredentials(creds connection.Credentials) {
	a.creds = &creds
}

// clientOptions renders the accumulated settings. The port applies to every
// contact point.
func (a *Adapter) clientOptions() *options.ClientOptions {
	hosts := a.hosts
	if len(hosts) == 0 {
		hosts = []string{defaultHost}
	}
	port := defaultPort
	if a.port > 0 {
		port = a.port
	}

	addrs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		addrs = append(addrs, net.JoinHostPort(h, strconv.Itoa(port)))
	}

	opts := options.Client().SetHosts(addrs)
	if a.appName != "" {
		opts.SetAppName(a.appName)
	}
	if a.tls {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if a.creds != nil && !a.creds.IsZero() {
		opts.SetAuth(options.Credential{
			Username:   a.creds.Username,
			Password:   a.creds.Password,
			AuthSource: a.creds.AuthSource,
		})
	}
	if a.cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(uint64(a.cfg.MaxPoolSize))
	}
	return opts
}

// Build connects and pings the primary.
func (a *Adapter) Build(ctx context.Context) (connection.Handle, error) {
	opts := a.clientOptions()
	a.logger.Info("Connecting to %v (tls %t)", opts.Hosts, a.tls)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if derr := client.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			a.logger.Warn("Disconnect after failed ping: %v", derr)
		}
		return connection.Handle{}, connection.SetupError(Backend, err)
	}
	return connection.NewConnectionHandle(Types.Connection, client), nil
}

// OpenSession selects the database and verifies access with a ping command.
func (a *Adapter) OpenSession(ctx context.Context, conn connection.Handle, database string) (connection.Handle, error) {
	client, ok := connection.As[*mongo.Client](conn)
	if !ok {
		return connection.Handle{}, connection.SessionError(Backend, database, fmt.Errorf("not a mongo connection: %s", conn.Type))
	}

	db := client.Database(database)
	if err := db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return connection.Handle{}, connection.SessionError(Backend, database, err)
	}
	return connection.NewSessionHandle(Types.Session, db), nil
}

// CloseSession is a no-op; databases share the client's pool.
func (a *Adapter) CloseSession(ctx context.Context, session connection.Handle) {}

func (a *Adapter) CloseConnection(ctx context.Context, conn connection.Handle) {
	client, ok := connection.As[*mongo.Client](conn)
	if !ok || client == nil {
		return
	}

	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return
	}
	a.disconnected = true
	a.mu.Unlock()

	if err := client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		a.logger.Warn("Disconnect failed: %v", err)
	}
}

func (a *Adapter) Ping(ctx context.Context, conn, _ connection.Handle) error {
	client, ok := connection.As[*mongo.Client](conn)
	if !ok || client == nil {
		return fmt.Errorf("mongo: no live connection")
	}
	return client.Ping(ctx, readpref.Primary())
}
