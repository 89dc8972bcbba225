package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/connection/connectiontest"
	"github.com/moolen/nosql/internal/metrics"
	"github.com/moolen/nosql/internal/naming"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource serves a fixed set of services.
type staticSource struct {
	services []*connection.Service
}

func (s *staticSource) Profiles() []connection.Info {
	infos := make([]connection.Info, 0, len(s.services))
	for _, svc := range s.services {
		infos = append(infos, svc.Info())
	}
	return infos
}

func (s *staticSource) Connection(id string) (*connection.Service, bool) {
	for _, svc := range s.services {
		if svc.Identity() == id {
			return svc, true
		}
	}
	return nil, false
}

func (s *staticSource) Healthy() bool {
	for _, svc := range s.services {
		if svc.State() != connection.StateActive {
			return false
		}
	}
	return true
}

func newTestServer(t *testing.T) (*Server, *connectiontest.Driver, *staticSource) {
	t.Helper()
	driver := connectiontest.NewDriver("mongo")
	ctx := context.Background()

	users := connection.NewService(
		connection.NewConfigurationBuilder("users", "mongo").
			SetLookupName("java:jboss/mongo/users").
			SetModuleReference("org.users").
			Build(),
		connection.WithDrivers(driver.Registry()),
	)
	require.NoError(t, users.Start(ctx))

	store := naming.NewStore()
	require.NoError(t, naming.NewBinder(store).Bind(users, naming.BindAuto))

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.SetActive("users", "mongo", true)

	source := &staticSource{services: []*connection.Service{users}}
	return New("127.0.0.1:0", source, store, reg), driver, source
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestProfilesEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/profiles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var infos []connection.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "users", infos[0].Identity)
	assert.Equal(t, "mongo", infos[0].Backend)
	assert.Equal(t, "active", infos[0].State)
	assert.Equal(t, "java:jboss/mongo/users", infos[0].LookupName)
	assert.Equal(t, "org.users", infos[0].Module)

	rec = get(t, s.Handler(), "/profiles/users")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"users"`)

	rec = get(t, s.Handler(), "/profiles/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, driver, source := newTestServer(t)

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	driver.SetBuildErr(errors.New("refused"))
	broken := connection.NewService(connection.NewConfigurationBuilder("orders", "mongo").Build(),
		connection.WithDrivers(driver.Registry()))
	_ = broken.Start(context.Background())
	source.services = append(source.services, broken)

	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status   string            `json:"status"`
		Profiles map[string]string `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"orders": "failed"}, body.Profiles)
}

func TestBindingsAndMetricsEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/bindings")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"name":"java:jboss/mongo/users","profile":"users","type":"mongo/cluster"}]`, rec.Body.String())

	rec = get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nosql_connection_active{backend="mongo",profile="users"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/profiles", strings.NewReader("{}")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerLifecycle(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	bad := New("256.0.0.1:bad", &staticSource{}, nil, nil)
	assert.Error(t, bad.Start(ctx))
}
