package orientdb

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/moolen/nosql/internal/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer mimics the parts of the OrientDB HTTP API the driver uses.
type fakeServer struct {
	mu         sync.Mutex
	paths      []string
	userAgents []string
	users      []string
	databases  map[string]bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.userAgents = append(f.userAgents, r.UserAgent())
	user, pass, _ := r.BasicAuth()
	f.users = append(f.users, user)
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/listDatabases":
		_, _ = w.Write([]byte(`{"databases":["orders"]}`))
	case r.URL.Path == "/disconnect":
		w.WriteHeader(http.StatusUnauthorized)
	case len(r.URL.Path) > len("/connect/") && r.URL.Path[:len("/connect/")] == "/connect/":
		name := r.URL.Path[len("/connect/"):]
		if pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !f.databases[name] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func startFake(t *testing.T) (*fakeServer, string, int) {
	t.Helper()
	fake := &fakeServer{databases: map[string]bool{"orders": true}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return fake, host, port
}

func newAdapter(t *testing.T, cfg connection.Configuration, host string, port int) *Adapter {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	ad := a.(*Adapter)
	ad.WithContactPoint(host)
	ad.WithPort(port)
	return ad
}

func remoteConfig() connection.Configuration {
	return connection.NewConfigurationBuilder("docs", Backend).SetMaxPoolSize(5).SetMaxPartitionSize(2).Build()
}

func TestRegistered(t *testing.T) {
	_, ok := connection.DefaultDrivers().Get(Backend)
	assert.True(t, ok)
}

func TestUnwrapDescriptors(t *testing.T) {
	svc := connection.NewService(remoteConfig())

	_, err := svc.Unwrap(Types.Connection)
	assert.NoError(t, err)
	_, err = svc.Unwrap(connection.TypeDescriptor{Backend: "neo4j", Name: "driver"})
	assert.ErrorIs(t, err, connection.ErrIncompatibleType)
}

func TestBuildOpenClose(t *testing.T) {
	fake, host, port := startFake(t)
	a := newAdapter(t, remoteConfig(), host, port)
	a.WithClusterName("docs")
	a.WithCredentials(connection.Credentials{Username: "root", Password: "secret"})
	ctx := context.Background()

	conn, err := a.Build(ctx)
	require.NoError(t, err)
	server, ok := connection.As[*Server](conn)
	require.True(t, ok)
	assert.Equal(t, 5, server.transport.MaxConnsPerHost)
	assert.Equal(t, 2, server.transport.MaxIdleConnsPerHost)

	session, err := a.OpenSession(ctx, conn, "orders")
	require.NoError(t, err)
	db, ok := connection.As[*Database](session)
	require.True(t, ok)
	assert.Equal(t, "orders", db.Name)

	require.NoError(t, a.Ping(ctx, conn, session))

	a.CloseSession(ctx, session)
	a.CloseSession(ctx, session)
	a.CloseConnection(ctx, conn)
	a.CloseConnection(ctx, conn)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"/listDatabases", "/connect/orders", "/listDatabases", "/disconnect"}, fake.paths)
	for _, ua := range fake.userAgents {
		assert.Equal(t, "docs", ua)
	}
	for _, u := range fake.users {
		assert.Equal(t, "root", u)
	}
}

func TestOpenSession_UnknownDatabase(t *testing.T) {
	_, host, port := startFake(t)
	a := newAdapter(t, remoteConfig(), host, port)
	a.WithCredentials(connection.Credentials{Username: "root", Password: "secret"})

	conn, err := a.Build(context.Background())
	require.NoError(t, err)

	_, err = a.OpenSession(context.Background(), conn, "missing")
	assert.ErrorIs(t, err, connection.ErrSessionOpenFailed)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestOpenSession_AccessDenied(t *testing.T) {
	_, host, port := startFake(t)
	a := newAdapter(t, remoteConfig(), host, port)
	a.WithCredentials(connection.Credentials{Username: "root", Password: "wrong"})

	conn, err := a.Build(context.Background())
	require.NoError(t, err)

	_, err = a.OpenSession(context.Background(), conn, "orders")
	assert.ErrorIs(t, err, connection.ErrSessionOpenFailed)
	assert.Contains(t, err.Error(), "access denied")
}

func TestBuild_EmbeddedRejected(t *testing.T) {
	cfg := connection.NewConfigurationBuilder("docs", Backend).SetRemote(false).Build()
	a := newAdapter(t, cfg, "localhost", 1)

	_, err := a.Build(context.Background())
	assert.ErrorIs(t, err, connection.ErrConnectionSetupFailed)
}

func TestBuild_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	a := newAdapter(t, remoteConfig(), "127.0.0.1", port)
	_, err = a.Build(context.Background())
	assert.ErrorIs(t, err, connection.ErrConnectionSetupFailed)
}

// The service drives the adapter end to end against the fake server.
func TestServiceLifecycle(t *testing.T) {
	_, host, port := startFake(t)
	cfg := connection.NewConfigurationBuilder("docs", Backend).SetTargetNamespace("orders").SetSecurityDomain("orient").Build()
	svc := connection.NewService(cfg)
	svc.EndpointInjector("orient-http")(connection.Endpoint{Host: host, Port: port})
	require.NoError(t, svc.SetCredentialSupplier(connection.CredentialSupplierFunc(
		func(ctx context.Context, domain string) (connection.Credentials, error) {
			return connection.Credentials{Username: "root", Password: "secret"}, nil
		})))
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	db, err := svc.Unwrap(Types.Session)
	require.NoError(t, err)
	assert.Equal(t, "orders", db.(*Database).Name)

	require.NoError(t, svc.Stop(ctx))
	assert.True(t, svc.Connection().IsZero())
}
