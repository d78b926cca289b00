package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// GetRedisAddress starts a shared Redis container and returns its host:port.
// The test is skipped with -short.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	redisOnce.Do(func() { redisAddr, redisErr = runRedis() })
	if redisErr != nil {
		t.Fatalf("start redis container: %v", redisErr)
	}
	return redisAddr
}

// NewRedisClient connects to the shared container and closes the client
// when the test ends.
func NewRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}

func runRedis() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.Run(ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")),
	)
	if err != nil {
		return "", err
	}
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	return endpoint, nil
}
