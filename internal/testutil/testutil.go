package testutil

import (
	"context"
	"net"
	"os/exec"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nkiryanov/chatscheduler/internal/db"
)

// Return random free port on 127.0.0.1 address
func RandomPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		return 0, err
	}
	defer ln.Close() // nolint:errcheck

	addr := ln.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

type PostgresContainer struct {
	Pool      *pgxpool.Pool
	DSN       string
	Terminate func()
}

// StartPostgresContainer runs postgres with the service schema migrated.
// Fails the test if docker is not available. Terminate has to be called when tests are over
func StartPostgresContainer(t *testing.T) PostgresContainer {
	t.Helper()

	if out, err := exec.Command("docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		t.Fatalf("docker is not available or not running: %s", out)
	}

	// Host port is picked by docker
	container, err := postgres.Run(t.Context(),
		"postgres:17-alpine",
		postgres.WithDatabase("chatscheduler-test"),
		postgres.WithUsername("scheduler"),
		postgres.WithPassword("pwd"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "can't start postgres container")

	dsn, err := container.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err, "can't get postgres dsn")
	t.Logf("Postgres container started, DSN=%v", dsn)

	pool, err := db.ConnectAndMigrate(t.Context(), dsn)
	require.NoError(t, err, "can't connect to postgres or migrate scheduler schema")

	return PostgresContainer{
		Pool: pool,
		DSN:  dsn,
		Terminate: func() {
			pool.Close()
			testcontainers.CleanupContainer(t, container)
		},
	}
}

type dbtx interface {
	Begin(context.Context) (pgx.Tx, error)
}

// WithTx runs testFunc inside a transaction rolled back afterwards, credentials and messages written by the test never leak
func WithTx(dbtx dbtx, t *testing.T, testFunc func(tx pgx.Tx)) {
	tx, err := dbtx.Begin(t.Context())
	require.NoError(t, err)

	defer func() {
		err := tx.Rollback(t.Context())
		require.NoError(t, err)
	}()

	testFunc(tx)
}
