//go:build integration
// +build integration

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/persistence/redis"
	"github.com/horus-sec/horus-scanner/pkg/redisx"
	"github.com/horus-sec/horus-scanner/test/integration/persistence"
)

// TestStore is an integration test for the Redis persistence store.
func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("An integration test")
	}

	ctx := context.Background()
	redisC, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7.2",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "should start redis container")
	defer func() {
		_ = redisC.Terminate(ctx)
	}()

	rdb, err := redisx.NewClient(etc.RedisPool{
		URL: getRedisURL(t, ctx, redisC),
	})
	require.NoError(t, err)

	store := redis.NewStore(etc.RedisStore{
		Namespace:  "horus.scanner:store",
		ScanJobTTL: parseDuration(t, "5s"),
	}, rdb)

	persistence.TestStoreInterface(t, store, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	t.Run("Should expire scan job", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, job.ScanJob{ID: "expiring", Status: job.Queued}))

		time.Sleep(parseDuration(t, "6s"))

		j, err := store.Get(ctx, "expiring")
		require.NoError(t, err, "retrieve scan job should not fail")
		require.Nil(t, j, "retrieved scan job should be nil, i.e. expired")
	})
}

func getRedisURL(t *testing.T, ctx context.Context, redisC tc.Container) string {
	t.Helper()
	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%d", host, port.Int())
}

func parseDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	d, err := time.ParseDuration(s)
	require.NoError(t, err, "should parse duration %s", s)
	return d
}
