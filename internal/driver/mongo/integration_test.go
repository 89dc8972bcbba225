//go:build integration

package mongo

import (
	"context"
	"testing"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/driver/drivertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestIntegration_Lifecycle(t *testing.T) {
	ep := drivertest.Start(t, drivertest.Container{Image: "mongo:7", Port: "27017/tcp"})
	ctx := context.Background()

	cfg := connection.NewConfigurationBuilder("users", Backend).SetTargetNamespace("app").Build()
	svc := connection.NewService(cfg)
	svc.EndpointInjector("mongo")(ep)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Ping(ctx))

	db, ok := connection.As[*mongo.Database](svc.Session())
	require.True(t, ok)
	assert.Equal(t, "app", db.Name())

	require.NoError(t, svc.Stop(ctx))
	assert.True(t, svc.Connection().IsZero())
}
