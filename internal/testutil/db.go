package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage  = "postgres:15"
	migrationsPath = "file://../../migrations"
	pingAttempts   = 10
)

// TestDB is a migrated execution history database running in a container.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetupTestDB starts Postgres with the execution history schema applied.
// Credentials come from DB_* (optionally via ../../.env); the test is skipped
// when no container can be started.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load("../../.env"); err != nil {
		t.Logf("No .env file loaded (%v), using environment and defaults", err)
	}
	user := envOr("DB_USERNAME", "execflow")
	password := envOr("DB_PASSWORD", "execflow")
	name := envOr("DB_NAME", "execflow_test")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Postgres container unavailable: %v", err)
	}
	td := &TestDB{container: container}

	host, err := container.Host(ctx)
	if err != nil {
		td.fail(t, "Failed to resolve container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		td.fail(t, "Failed to resolve mapped port: %v", err)
	}
	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	if td.DB, err = sqlx.Open("postgres", td.ConnStr); err != nil {
		td.fail(t, "Failed to open test DB: %v", err)
	}
	for i := 1; ; i++ {
		if err = td.DB.Ping(); err == nil {
			break
		}
		if i == pingAttempts {
			td.fail(t, "Test DB not reachable after %d attempts: %v", pingAttempts, err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	m, err := migrate.New(migrationsPath, td.ConnStr)
	if err != nil {
		td.fail(t, "Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		td.fail(t, "Failed to apply migrations: %v", err)
	}
	return td
}

// Truncate empties the history tables between tests sharing one container.
func (td *TestDB) Truncate(t *testing.T) {
	t.Helper()
	if _, err := td.DB.Exec("TRUNCATE TABLE execution_logs, executions RESTART IDENTITY"); err != nil {
		t.Fatalf("Failed to truncate history tables: %v", err)
	}
}

// Teardown closes the connection and removes the container.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}

func (td *TestDB) fail(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	if td.DB != nil {
		_ = td.DB.Close()
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Errorf("Failed to terminate container: %v", err)
	}
	t.Fatalf(format, args...)
}
