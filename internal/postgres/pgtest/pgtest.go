//go:build integration

// Package pgtest provides a migrated PostgreSQL database to integration tests.
// It uses PAYMENT_OUTBOX_POSTGRES_DSN when set and starts a disposable
// container otherwise.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DSNEnv names the variable that points tests at an existing database.
const DSNEnv = "PAYMENT_OUTBOX_POSTGRES_DSN"

const (
	image    = "postgres:16-alpine"
	dbName   = "payments"
	user     = "payments"
	password = "payments"
)

// Open returns the primary pool of a migrated database. Everything is released
// through t.Cleanup.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()

	dsn := strings.TrimSpace(os.Getenv(DSNEnv))
	name := dbName

	if dsn == "" {
		dsn = startContainer(t, ctx)
	} else if fromEnv := strings.TrimSpace(os.Getenv("PAYMENT_OUTBOX_POSTGRES_DB")); fromEnv != "" {
		name = fromEnv
	}

	conn := postgres.New(postgres.Config{
		PrimaryDSN:     dsn,
		DBName:         name,
		MigrationsPath: migrationsDir(t),
	}, nil)

	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() { _ = conn.Close() })

	db, err := conn.Primary()
	require.NoError(t, err)

	return db
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       dbName,
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), dbName)
}

func migrationsDir(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "resolve pgtest source location")

	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}
