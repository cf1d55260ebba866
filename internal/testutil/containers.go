// Package testutil starts shared backing services for integration tests.
//
// Each service is started at most once per test binary. Tests calling the
// helpers are skipped under -short, or when no container runtime is
// available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	redisC    sharedContainer
	postgresC sharedContainer
	mongoC    sharedContainer
)

func (s *sharedContainer) get(t *testing.T, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}

	s.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		// Containers outlive the test that started them; the testcontainers
		// reaper removes them when the test binary exits.
		_, s.endpoint, s.err = start(ctx)
	})
	if s.err != nil {
		t.Skipf("container unavailable: %v", s.err)
	}
	return s.endpoint
}

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisC.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background()) // best-effort cleanup
			return nil, "", err
		}
		return c, endpoint, nil
	})
}

// GetPostgresDSN returns a DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresC.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Verify SQL connectivity using the mapped host:port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://sagaflow:sagaflow@%s:%s/sagaflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "sagaflow",
				"POSTGRES_PASSWORD": "sagaflow",
				"POSTGRES_DB":       "sagaflow_test",
			}),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background()) // best-effort cleanup
			return nil, "", err
		}
		return c, fmt.Sprintf("postgres://sagaflow:sagaflow@%s/sagaflow_test?sslmode=disable", endpoint), nil
	})
}

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoC.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background()) // best-effort cleanup
			return nil, "", err
		}
		return c, fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
