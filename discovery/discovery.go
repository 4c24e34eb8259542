package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Registry abstracts the service registry so the daemon can run against
// Consul in production and the in-memory registry in tests and local dev.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID returns a unique per-process instance id, e.g.
// "marketd-2847561923". Randomness keeps parallel instances from colliding.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}

// HealthLoop keeps the registry TTL check passing until ctx is cancelled.
// Meant to run as a goroutine next to the service's main loop.
func HealthLoop(ctx context.Context, registry Registry, instanceID, serviceName string, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.HealthCheck(instanceID, serviceName); err != nil {
				logger.Error("failed to report healthy state", slog.String("error", err.Error()))
			}
		}
	}
}
