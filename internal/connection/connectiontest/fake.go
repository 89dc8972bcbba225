// Package connectiontest provides an in-memory driver for tests of packages
// built on top of connection.Service.
package connectiontest

import (
	"context"
	"sync"

	"github.com/moolen/nosql/internal/connection"
)

// Cluster is the native connection object produced by the fake driver.
type Cluster struct {
	Profile string
	Hosts   []string
	Port    int
	TLS     bool
	User    string
}

// Session is the native session object produced by the fake driver.
type Session struct {
	Namespace string
}

// Driver is a controllable fake backend. Fields ending in Err make the
// corresponding adapter call fail. Counters are safe to read through the
// accessor methods while services run.
type Driver struct {
	Backend string
	Version string

	mu         sync.Mutex
	buildErr   error
	sessionErr error
	pingErr    error
	buildGate  chan struct{}
	builds     int
	closes     int
	pings      int
}

// NewDriver returns a fake driver for backend.
func NewDriver(backend string) *Driver {
	return &Driver{Backend: backend, Version: "1.0.0"}
}

// Types returns the descriptors the fake driver reports.
func (d *Driver) Types() connection.Types {
	return connection.Types{
		Connection: connection.TypeDescriptor{Backend: d.Backend, Name: "cluster"},
		Session:    connection.TypeDescriptor{Backend: d.Backend, Name: "session"},
	}
}

// Driver returns the registry entry for the fake.
func (d *Driver) Driver() connection.Driver {
	return connection.Driver{
		Backend:     d.Backend,
		Version:     d.Version,
		Description: "in-memory test driver",
		Factory: func(cfg connection.Configuration) (connection.Adapter, error) {
			return &adapter{driver: d, cluster: &Cluster{}}, nil
		},
	}
}

// Registry returns a DriverRegistry holding only this driver.
func (d *Driver) Registry() *connection.DriverRegistry {
	r := connection.NewDriverRegistry()
	if err := r.Register(d.Driver()); err != nil {
		panic(err)
	}
	return r
}

// HoldBuilds makes every following Build block until release is called or
// the build context ends. Builds are counted before they block.
func (d *Driver) HoldBuilds() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.buildGate = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.buildGate == gate {
				d.buildGate = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *Driver) SetBuildErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildErr = err
}

func (d *Driver) SetSessionErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionErr = err
}

func (d *Driver) SetPingErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingErr = err
}

// Builds returns the number of Build calls.
func (d *Driver) Builds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.builds
}

// Closes returns the number of CloseConnection calls.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Pings returns the number of Ping calls.
func (d *Driver) Pings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings
}

type adapter struct {
	driver  *Driver
	cluster *Cluster
}

func (a *adapter) ResolveTypes() (connection.Types, error) {
	return a.driver.Types(), nil
}

func (a *adapter) WithContactPoint(host string) { a.cluster.Hosts = append(a.cluster.Hosts, host) }
func (a *adapter) WithPort(port int)            { a.cluster.Port = port }
func (a *adapter) WithClusterName(name string)  { a.cluster.Profile = name }
func (a *adapter) WithTransportSecurity()       { a.cluster.TLS = true }
func (a *adapter) WithCredentials(c connection.Credentials) {
	a.cluster.User = c.Username
}

func (a *adapter) Build(ctx context.Context) (connection.Handle, error) {
	a.driver.mu.Lock()
	a.driver.builds++
	gate := a.driver.buildGate
	a.driver.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return connection.Handle{}, ctx.Err()
		}
	}

	a.driver.mu.Lock()
	defer a.driver.mu.Unlock()
	if a.driver.buildErr != nil {
		return connection.Handle{}, a.driver.buildErr
	}
	return connection.NewConnectionHandle(a.driver.Types().Connection, a.cluster), nil
}

func (a *adapter) OpenSession(ctx context.Context, conn connection.Handle, namespace string) (connection.Handle, error) {
	a.driver.mu.Lock()
	defer a.driver.mu.Unlock()
	if a.driver.sessionErr != nil {
		return connection.Handle{}, a.driver.sessionErr
	}
	return connection.NewSessionHandle(a.driver.Types().Session, &Session{Namespace: namespace}), nil
}

func (a *adapter) CloseSession(ctx context.Context, session connection.Handle) {}

func (a *adapter) CloseConnection(ctx context.Context, conn connection.Handle) {
	a.driver.mu.Lock()
	defer a.driver.mu.Unlock()
	a.driver.closes++
}

func (a *adapter) Ping(ctx context.Context, conn, session connection.Handle) error {
	a.driver.mu.Lock()
	defer a.driver.mu.Unlock()
	a.driver.pings++
	return a.driver.pingErr
}
