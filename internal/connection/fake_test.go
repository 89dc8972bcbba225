package connection

import (
	"context"
	"errors"
	"sync"
)

const fakeBackend = "fake"

var fakeTypes = Types{
	Connection: TypeDescriptor{Backend: fakeBackend, Name: "cluster"},
	Session:    TypeDescriptor{Backend: fakeBackend, Name: "session"},
}

type fakeCluster struct{ hosts []string }
type fakeSession struct{ namespace string }

// recorder collects calls across all adapters created by one factory.
type recorder struct {
	mu sync.Mutex

	contactPoints []string
	ports         []int
	clusterNames  []string
	tls           int
	credentials   []Credentials
	enlistments   []TransactionEnlistment
	builds        int
	sessions      []string
	closedSession int
	closedConn    int
	pings         int

	buildErr       error
	sessionErr     error
	resolveErr     error
	panicOnSession bool
	pingErr        error
}

func (r *recorder) factory() DriverFactory {
	return func(cfg Configuration) (Adapter, error) {
		return &fakeAdapter{rec: r}, nil
	}
}

func (r *recorder) snapshotPorts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ports...)
}

type fakeAdapter struct {
	rec   *recorder
	hosts []string
}

func (a *fakeAdapter) ResolveTypes() (Types, error) {
	if a.rec.resolveErr != nil {
		return Types{}, a.rec.resolveErr
	}
	return fakeTypes, nil
}

func (a *fakeAdapter) WithContactPoint(host string) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.hosts = append(a.hosts, host)
	a.rec.contactPoints = append(a.rec.contactPoints, host)
}

func (a *fakeAdapter) WithPort(port int) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.ports = append(a.rec.ports, port)
}

func (a *fakeAdapter) WithClusterName(name string) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.clusterNames = append(a.rec.clusterNames, name)
}

func (a *fakeAdapter) WithTransportSecurity() {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.tls++
}

func (a *fakeAdapter) WithCredentials(creds Credentials) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.credentials = append(a.rec.credentials, creds)
}

func (a *fakeAdapter) Build(ctx context.Context) (Handle, error) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.builds++
	if a.rec.buildErr != nil {
		return Handle{}, a.rec.buildErr
	}
	return NewConnectionHandle(fakeTypes.Connection, &fakeCluster{hosts: a.hosts}), nil
}

func (a *fakeAdapter) OpenSession(ctx context.Context, conn Handle, namespace string) (Handle, error) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.sessions = append(a.rec.sessions, namespace)
	if a.rec.sessionErr != nil {
		return Handle{}, a.rec.sessionErr
	}
	return NewSessionHandle(fakeTypes.Session, &fakeSession{namespace: namespace}), nil
}

func (a *fakeAdapter) CloseSession(ctx context.Context, session Handle) {
	a.rec.mu.Lock()
	a.rec.closedSession++
	panicking := a.rec.panicOnSession
	a.rec.mu.Unlock()
	if panicking {
		panic("session close exploded")
	}
}

func (a *fakeAdapter) CloseConnection(ctx context.Context, conn Handle) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.closedConn++
}

func (a *fakeAdapter) Ping(ctx context.Context, conn, session Handle) error {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.pings++
	return a.rec.pingErr
}

// enlistingAdapter additionally supports transaction enlistment.
type enlistingAdapter struct {
	*fakeAdapter
}

func (a enlistingAdapter) WithTransactionEnlistment(mode TransactionEnlistment) {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.enlistments = append(a.rec.enlistments, mode)
}

// fakeRegistry records mapping calls and can be told to fail.
type fakeRegistry struct {
	mu      sync.Mutex
	added   []MappingEntry
	removed []MappingEntry
	fail    bool
}

var errRegistryDown = errors.New("registry down")

func (r *fakeRegistry) AddMapping(entry MappingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRegistryDown
	}
	r.added = append(r.added, entry)
	return nil
}

func (r *fakeRegistry) RemoveMapping(entry MappingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRegistryDown
	}
	r.removed = append(r.removed, entry)
	return nil
}

func newFakeDrivers(rec *recorder) *DriverRegistry {
	drivers := NewDriverRegistry()
	if err := drivers.Register(Driver{Backend: fakeBackend, Version: "1.0.0", Factory: rec.factory()}); err != nil {
		panic(err)
	}
	return drivers
}
