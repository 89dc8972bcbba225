//go:build integration

// Package drivertest starts backend containers for driver integration tests.
package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/moolen/nosql/internal/connection"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container describes a backend image to start.
type Container struct {
	Image   string
	Port    nat.Port // e.g. "9042/tcp"
	Env     map[string]string
	Wait    []wait.Strategy
	Timeout time.Duration
}

// Start runs c and returns the endpoint mapped to c.Port. The container is
// terminated when the test ends.
func Start(t *testing.T, c Container) connection.Endpoint {
	t.Helper()
	ctx := context.Background()

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	strategies := append([]wait.Strategy{wait.ForListeningPort(c.Port)}, c.Wait...)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        c.Image,
			ExposedPorts: []string{string(c.Port)},
			Env:          c.Env,
			WaitingFor:   wait.ForAll(strategies...).WithStartupTimeout(timeout),
			AutoRemove:   true,
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", c.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate %s: %v", c.Image, err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, c.Port)
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	return connection.Endpoint{Host: host, Port: port.Int()}
}
