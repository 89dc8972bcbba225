package subsystem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moolen/nosql/internal/config"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/connection/connectiontest"
	"github.com/moolen/nosql/internal/consul"
	"github.com/moolen/nosql/internal/metrics"
	"github.com/moolen/nosql/internal/naming"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cassandra *connectiontest.Driver
	mongo     *connectiontest.Driver
	metrics   *metrics.Metrics
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cassandra: connectiontest.NewDriver("cassandra"),
		mongo:     connectiontest.NewDriver("mongo"),
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	drivers := connection.NewDriverRegistry()
	require.NoError(t, drivers.Register(f.cassandra.Driver()))
	require.NoError(t, drivers.Register(f.mongo.Driver()))

	f.manager = NewManager(ManagerConfig{Drivers: drivers, Metrics: f.metrics})
	t.Cleanup(func() { _ = f.manager.Stop(context.Background()) })
	return f
}

func sampleProfiles() *config.ProfilesFile {
	disabled := false
	return &config.ProfilesFile{
		SchemaVersion: "v1",
		SocketBindings: map[string]config.SocketBinding{
			"cassandra-a": {Host: "10.0.0.1", Port: 9042},
			"cassandra-b": {Host: "10.0.0.2", Port: 9042},
		},
		SecurityDomains: map[string]config.SecurityDomain{
			"cassandra-sec": {Username: "app", PasswordEnv: "SUBSYSTEM_TEST_PASSWORD"},
		},
		Profiles: []config.Profile{
			{
				ID:             "order-db",
				Type:           "cassandra",
				LookupName:     "java:jboss/cassandra/orders",
				Module:         "org.orders",
				SecurityDomain: "cassandra-sec",
				Namespace:      "orders",
				Hosts:          []string{"cassandra-a", "cassandra-b"},
			},
			{ID: "users", Type: "mongo", LookupName: "java:jboss/mongo/users", Module: "org.users"},
			{ID: "archive", Type: "mongo", Enabled: &disabled},
		},
	}
}

func TestApply_StartsAndBindsProfiles(t *testing.T) {
	t.Setenv("SUBSYSTEM_TEST_PASSWORD", "secret")
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Apply(ctx, sampleProfiles()))

	order, ok := f.manager.Connection("order-db")
	require.True(t, ok)
	assert.Equal(t, connection.StateActive, order.State())

	cluster, ok := connection.As[*connectiontest.Cluster](order.Connection())
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cluster.Hosts)
	assert.Equal(t, 9042, cluster.Port)
	assert.Equal(t, "order-db", cluster.Profile)
	assert.Equal(t, "app", cluster.User)

	_, ok = f.manager.Connection("archive")
	assert.False(t, ok, "disabled profiles are not installed")

	// A namespace binds the session, otherwise the connection.
	session, ok := naming.LookupAs[*connectiontest.Session](f.manager.Store(), "java:jboss/cassandra/orders")
	require.True(t, ok)
	assert.Equal(t, "orders", session.Namespace)
	_, ok = naming.LookupAs[*connectiontest.Cluster](f.manager.Store(), "java:jboss/mongo/users")
	assert.True(t, ok)

	module, ok := f.manager.Mapping().ModuleForLookup("java:jboss/cassandra/orders")
	require.True(t, ok)
	assert.Equal(t, "org.orders", module)

	infos := f.manager.Profiles()
	require.Len(t, infos, 2)
	assert.Equal(t, "order-db", infos[0].Identity)
	assert.Equal(t, "users", infos[1].Identity)
	assert.True(t, f.manager.Healthy())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Active.WithLabelValues("order-db", "cassandra")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StartsTotal.WithLabelValues("users", "mongo", "ok")))
}

func TestApply_CredentialFailureIsolatedToProfile(t *testing.T) {
	t.Setenv("SUBSYSTEM_TEST_PASSWORD", "")
	f := newFixture(t)

	require.NoError(t, f.manager.Apply(context.Background(), sampleProfiles()))

	order, _ := f.manager.Connection("order-db")
	assert.Equal(t, connection.StateFailed, order.State())
	assert.ErrorIs(t, order.LastError(), connection.ErrCredentialsUnavailable)
	assert.Equal(t, 0, f.cassandra.Builds(), "fail-closed must not reach the driver")

	users, _ := f.manager.Connection("users")
	assert.Equal(t, connection.StateActive, users.State())
	assert.False(t, f.manager.Healthy())

	_, ok := f.manager.Store().Lookup("java:jboss/cassandra/orders")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StartsTotal.WithLabelValues("order-db", "cassandra", "credentials")))
}

func TestApply_FailOpenStartsWithoutCredentials(t *testing.T) {
	t.Setenv("SUBSYSTEM_TEST_PASSWORD", "")
	f := newFixture(t)
	profiles := sampleProfiles()
	profiles.CredentialPolicy = "fail-open"

	require.NoError(t, f.manager.Apply(context.Background(), profiles))

	order, _ := f.manager.Connection("order-db")
	require.Equal(t, connection.StateActive, order.State())
	cluster, _ := connection.As[*connectiontest.Cluster](order.Connection())
	assert.Empty(t, cluster.User)
}

func TestApply_UnknownDriverFailsProfile(t *testing.T) {
	f := newFixture(t)
	profiles := &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "graph", Type: "orientdb"}},
	}

	require.NoError(t, f.manager.Apply(context.Background(), profiles))

	svc, ok := f.manager.Connection("graph")
	require.True(t, ok)
	assert.Equal(t, connection.StateFailed, svc.State())
	assert.ErrorIs(t, svc.LastError(), connection.ErrDriverUnavailable)
}

func TestApply_DriverVersionGate(t *testing.T) {
	f := newFixture(t)
	profiles := sampleProfiles()
	profiles.MinDriverVersion = "2.0.0"

	err := f.manager.Apply(context.Background(), profiles)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum required version")
	assert.Empty(t, f.manager.Profiles())

	profiles.MinDriverVersion = "not-a-version"
	assert.Error(t, f.manager.Apply(context.Background(), profiles))

	t.Setenv("SUBSYSTEM_TEST_PASSWORD", "secret")
	profiles.MinDriverVersion = "1.0.0"
	assert.NoError(t, f.manager.Apply(context.Background(), profiles))
}

func TestApply_ReplacesRunningProfiles(t *testing.T) {
	t.Setenv("SUBSYSTEM_TEST_PASSWORD", "secret")
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Apply(ctx, sampleProfiles()))
	old, _ := f.manager.Connection("order-db")

	next := &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "sessions", Type: "mongo", LookupName: "java:jboss/mongo/sessions"}},
	}
	require.NoError(t, f.manager.Apply(ctx, next))

	assert.Equal(t, connection.StateStopped, old.State())
	_, ok := f.manager.Connection("order-db")
	assert.False(t, ok)
	_, ok = f.manager.Store().Lookup("java:jboss/cassandra/orders")
	assert.False(t, ok)
	_, ok = f.manager.Mapping().ModuleForLookup("java:jboss/cassandra/orders")
	assert.False(t, ok)

	_, ok = f.manager.Store().Lookup("java:jboss/mongo/sessions")
	assert.True(t, ok)
	require.Len(t, f.manager.Profiles(), 1)
}

func TestStop_ReleasesEverything(t *testing.T) {
	t.Setenv("SUBSYSTEM_TEST_PASSWORD", "secret")
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Start(ctx))
	require.NoError(t, f.manager.Apply(ctx, sampleProfiles()))
	require.NoError(t, f.manager.Stop(ctx))

	for _, info := range f.manager.Profiles() {
		assert.Equal(t, "stopped", info.State, info.Identity)
	}
	assert.Empty(t, f.manager.Store().List())
	assert.Empty(t, f.manager.Mapping().Profiles())
	assert.Equal(t, 1, f.cassandra.Closes())
	assert.Equal(t, 1, f.mongo.Closes())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Active.WithLabelValues("users", "mongo")))
}

func TestCheckHealth_RestartsOnPingFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profiles := &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "users", Type: "mongo", LookupName: "java:jboss/mongo/users"}},
	}
	require.NoError(t, f.manager.Apply(ctx, profiles))
	require.Equal(t, 1, f.mongo.Builds())

	f.manager.CheckHealth(ctx)
	assert.Equal(t, 1, f.mongo.Pings())
	assert.Equal(t, 1, f.mongo.Builds(), "healthy profiles are left alone")

	f.mongo.SetPingErr(errors.New("connection reset"))
	f.manager.CheckHealth(ctx)

	assert.Equal(t, 2, f.mongo.Builds())
	assert.Equal(t, 1, f.mongo.Closes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HealthFailures.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RestartsTotal.WithLabelValues("users")))

	svc, _ := f.manager.Connection("users")
	assert.Equal(t, connection.StateActive, svc.State())
	_, ok := f.manager.Store().Lookup("java:jboss/mongo/users")
	assert.True(t, ok, "restarted profile is bound again")
}

func TestCheckHealth_RecoversFailedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mongo.SetBuildErr(errors.New("connection refused"))

	profiles := &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "users", Type: "mongo"}},
	}
	require.NoError(t, f.manager.Apply(ctx, profiles))
	svc, _ := f.manager.Connection("users")
	require.Equal(t, connection.StateFailed, svc.State())
	assert.ErrorIs(t, svc.LastError(), connection.ErrConnectionSetupFailed)

	f.mongo.SetBuildErr(nil)
	f.manager.CheckHealth(ctx)
	assert.Equal(t, connection.StateActive, svc.State())

	// An explicitly stopped profile is not resurrected.
	require.NoError(t, svc.Stop(ctx))
	f.manager.CheckHealth(ctx)
	assert.Equal(t, connection.StateStopped, svc.State())
}

func TestStart_WatchesProfilesFile(t *testing.T) {
	cassandra := connectiontest.NewDriver("cassandra")
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	write := func(id string) {
		require.NoError(t, config.WriteProfilesFile(path, &config.ProfilesFile{
			SchemaVersion: "v1",
			Profiles:      []config.Profile{{ID: id, Type: "cassandra"}},
		}))
	}
	write("first")

	m := NewManager(ManagerConfig{ProfilesPath: path, Watch: true, Drivers: cassandra.Registry()})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	_, ok := m.Connection("first")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	write("second")

	require.Eventually(t, func() bool {
		svc, ok := m.Connection("second")
		return ok && svc.State() == connection.StateActive
	}, 5*time.Second, 50*time.Millisecond)
	_, ok = m.Connection("first")
	assert.False(t, ok)
}

func TestStart_LoadsProfilesFileOnce(t *testing.T) {
	cassandra := connectiontest.NewDriver("cassandra")
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, config.WriteProfilesFile(path, &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "only", Type: "cassandra"}},
	}))

	m := NewManager(ManagerConfig{ProfilesPath: path, Drivers: cassandra.Registry(), HealthCheckInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, 1, cassandra.Builds())

	missing := NewManager(ManagerConfig{ProfilesPath: filepath.Join(t.TempDir(), "nope.yaml"), Drivers: cassandra.Registry()})
	assert.Error(t, missing.Start(ctx))
}

func TestApply_ConsulBindingsAndCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health/service/cassandra", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"Node": map[string]any{"Address": "10.1.0.1"}, "Service": map[string]any{"Port": 9142}},
			{"Node": map[string]any{"Address": "10.1.0.2"}, "Service": map[string]any{"Port": 9142}},
		})
	})
	mux.HandleFunc("/v1/kv/secrets/cassandra", func(w http.ResponseWriter, r *http.Request) {
		value := base64.StdEncoding.EncodeToString([]byte(`{"username":"kv-user","password":"pw"}`))
		_ = json.NewEncoder(w).Encode([]map[string]any{{"Key": "secrets/cassandra", "Value": value}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	profiles := &config.ProfilesFile{
		SchemaVersion:   "v1",
		Consul:          &consul.Config{Address: strings.TrimPrefix(srv.URL, "http://")},
		SocketBindings:  map[string]config.SocketBinding{"pool": {ConsulService: "cassandra"}},
		SecurityDomains: map[string]config.SecurityDomain{"kv-sec": {ConsulKey: "secrets/cassandra"}},
		Profiles: []config.Profile{
			{ID: "order-db", Type: "cassandra", SecurityDomain: "kv-sec", Hosts: []string{"pool"}},
		},
	}
	require.NoError(t, f.manager.Apply(context.Background(), profiles))

	svc, _ := f.manager.Connection("order-db")
	require.Equal(t, connection.StateActive, svc.State(), "last error: %v", svc.LastError())
	cluster, _ := connection.As[*connectiontest.Cluster](svc.Connection())
	assert.Equal(t, []string{"10.1.0.1", "10.1.0.2"}, cluster.Hosts)
	assert.Equal(t, 9142, cluster.Port)
	assert.Equal(t, "kv-user", cluster.User)
}

func TestInstanceKey(t *testing.T) {
	assert.Equal(t, "pool/0", instanceKey("pool", 0, 1))
	assert.Equal(t, "pool/02", instanceKey("pool", 2, 12))
	assert.Equal(t, "pool/11", instanceKey("pool", 11, 12))
	assert.Less(t, instanceKey("pool", 2, 12), instanceKey("pool", 10, 12))
}

func TestApply_ConsulInstancesKeepCatalogOrder(t *testing.T) {
	var instances []map[string]any
	var wantHosts []string
	for i := 0; i < 12; i++ {
		host := fmt.Sprintf("10.2.0.%d", i+1)
		wantHosts = append(wantHosts, host)
		instances = append(instances, map[string]any{
			"Node":    map[string]any{"Address": host},
			"Service": map[string]any{"Port": 9000 + i},
		})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health/service/cassandra", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(instances)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	profiles := &config.ProfilesFile{
		SchemaVersion:  "v1",
		Consul:         &consul.Config{Address: strings.TrimPrefix(srv.URL, "http://")},
		SocketBindings: map[string]config.SocketBinding{"pool": {ConsulService: "cassandra"}},
		Profiles:       []config.Profile{{ID: "order-db", Type: "cassandra", Hosts: []string{"pool"}}},
	}
	require.NoError(t, f.manager.Apply(context.Background(), profiles))

	svc, _ := f.manager.Connection("order-db")
	require.Equal(t, connection.StateActive, svc.State(), "last error: %v", svc.LastError())
	cluster, _ := connection.As[*connectiontest.Cluster](svc.Connection())
	assert.Equal(t, wantHosts, cluster.Hosts)
	assert.Equal(t, 9011, cluster.Port, "last catalog instance sets the port")
}

// readWithin calls Profiles and Healthy and fails the test if they do not
// return within d.
func readWithin(t *testing.T, m *Manager, d time.Duration) []connection.Info {
	t.Helper()
	read := make(chan []connection.Info, 1)
	go func() {
		infos := m.Profiles()
		_ = m.Healthy()
		read <- infos
	}()
	select {
	case infos := <-read:
		return infos
	case <-time.After(d):
		t.Fatalf("Profiles/Healthy blocked for more than %s while a profile was connecting", d)
		return nil
	}
}

func TestApply_ReadersNotBlockedByConnectingProfiles(t *testing.T) {
	f := newFixture(t)
	release := f.mongo.HoldBuilds()
	t.Cleanup(release)

	applied := make(chan error, 1)
	go func() {
		applied <- f.manager.Apply(context.Background(), &config.ProfilesFile{
			SchemaVersion: "v1",
			Profiles:      []config.Profile{{ID: "users", Type: "mongo"}},
		})
	}()
	require.Eventually(t, func() bool { return f.mongo.Builds() == 1 }, 2*time.Second, 10*time.Millisecond)

	infos := readWithin(t, f.manager, 2*time.Second)
	require.Len(t, infos, 1)
	assert.Equal(t, connection.StateStarting.String(), infos[0].State)
	assert.False(t, f.manager.Healthy())

	release()
	require.NoError(t, <-applied)
	assert.True(t, f.manager.Healthy())
}

func TestCheckHealth_ReadersNotBlockedDuringRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Apply(ctx, &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "users", Type: "mongo"}},
	}))

	f.mongo.SetPingErr(errors.New("connection reset"))
	release := f.mongo.HoldBuilds()
	t.Cleanup(release)

	checked := make(chan struct{})
	go func() {
		f.manager.CheckHealth(ctx)
		close(checked)
	}()
	require.Eventually(t, func() bool { return f.mongo.Builds() == 2 }, 2*time.Second, 10*time.Millisecond)

	infos := readWithin(t, f.manager, 2*time.Second)
	require.Len(t, infos, 1)
	assert.Equal(t, connection.StateStarting.String(), infos[0].State)

	f.mongo.SetPingErr(nil)
	release()
	<-checked
	svc, _ := f.manager.Connection("users")
	assert.Equal(t, connection.StateActive, svc.State())
}

func TestApply_RejectedAfterStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Stop(ctx))

	err := f.manager.Apply(ctx, &config.ProfilesFile{
		SchemaVersion: "v1",
		Profiles:      []config.Profile{{ID: "users", Type: "mongo"}},
	})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 0, f.mongo.Builds())
	assert.Empty(t, f.manager.Profiles())

	f.manager.CheckHealth(ctx)
	assert.Equal(t, 0, f.mongo.Builds())
}

func TestStop_WaitsForRunningReload(t *testing.T) {
	cassandra := connectiontest.NewDriver("cassandra")
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	write := func(id string) {
		require.NoError(t, config.WriteProfilesFile(path, &config.ProfilesFile{
			SchemaVersion: "v1",
			Profiles:      []config.Profile{{ID: id, Type: "cassandra", LookupName: "nosql/" + id}},
		}))
	}
	write("first")

	m := NewManager(ManagerConfig{ProfilesPath: path, Watch: true, Drivers: cassandra.Registry()})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	release := cassandra.HoldBuilds()
	t.Cleanup(release)
	time.Sleep(50 * time.Millisecond)
	write("second")
	require.Eventually(t, func() bool { return cassandra.Builds() == 2 }, 3*time.Second, 10*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(ctx) }()
	time.Sleep(100 * time.Millisecond)
	release()
	require.NoError(t, <-stopped)

	for _, info := range m.Profiles() {
		assert.Equal(t, connection.StateStopped.String(), info.State, info.Identity)
	}
	assert.Empty(t, m.Store().List())

	write("third")
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 2, cassandra.Builds(), "no reload after Stop")
}
