// Package testredis starts a disposable Redis container for integration
// tests.
package testredis

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Instance is a running Redis container and a client connected to it.
type Instance struct {
	Client    *redis.Client
	container testcontainers.Container
}

// Start runs redis:7-alpine. It returns an error, rather than panicking,
// when Docker is unavailable so callers can skip their integration tests.
func Start(ctx context.Context) (inst *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		return nil, err
	}
	inst = &Instance{container: c}
	host, err := c.Host(ctx)
	if err != nil {
		inst.Close(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		inst.Close(ctx)
		return nil, fmt.Errorf("container port: %w", err)
	}
	inst.Client = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := inst.Client.Ping(ctx).Err(); err != nil {
		inst.Close(ctx)
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return inst, nil
}

// Redis flushes the database and returns the client. It skips t when inst
// is nil.
func (inst *Instance) Redis(t *testing.T) *redis.Client {
	t.Helper()
	if inst == nil {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := inst.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return inst.Client
}

// Close closes the client and terminates the container.
func (inst *Instance) Close(ctx context.Context) {
	if inst == nil {
		return
	}
	if inst.Client != nil {
		_ = inst.Client.Close()
	}
	if inst.container != nil {
		_ = inst.container.Terminate(ctx)
	}
}
