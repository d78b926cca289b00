package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver for wait.ForSQL
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DatabaseURLEnv points the Postgres tests at an existing database with
	// pgflow installed. It wins over PgflowImageEnv.
	DatabaseURLEnv = "STEPFLOW_TEST_DATABASE_URL"
	// PgflowImageEnv names a Postgres image with the pgflow and pgmq schemas
	// preinstalled, started through testcontainers.
	PgflowImageEnv = "STEPFLOW_PGFLOW_IMAGE"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPgflowDSN returns the DSN of a database with pgflow installed, skipping
// the test when none is configured or when running with -short.
func GetPgflowDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	if dsn := os.Getenv(DatabaseURLEnv); dsn != "" {
		return dsn
	}
	image := os.Getenv(PgflowImageEnv)
	if image == "" {
		t.Skipf("set %s or %s to run Postgres integration tests", DatabaseURLEnv, PgflowImageEnv)
	}
	pgOnce.Do(func() { pgDSN, pgErr = runPgflow(image) })
	if pgErr != nil {
		t.Fatalf("start postgres container: %v", pgErr)
	}
	return pgDSN
}

func pgflowDSN(hostPort string) string {
	return fmt.Sprintf("postgres://stepflow:stepflow@%s/stepflow_test?sslmode=disable", hostPort)
}

func runPgflow(image string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.Run(ctx, image,
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "stepflow",
			"POSTGRES_PASSWORD": "stepflow",
			"POSTGRES_DB":       "stepflow_test",
		}),
		// The pgflow schema must be queryable, not just the server.
		testcontainers.WithWaitStrategy(
			wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return pgflowDSN(host + ":" + port.Port())
			}).WithQuery("SELECT 1 FROM pgflow.flows LIMIT 1").WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		return "", err
	}
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	return pgflowDSN(endpoint), nil
}
