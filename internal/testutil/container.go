package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// PostgresContainer is a disposable database for integration tests.
type PostgresContainer struct {
	*postgres.PostgresContainer

	// ConnectionString has sslmode=disable and works for both pgxpool and
	// golang-migrate.
	ConnectionString string
}

// NewPostgresContainer starts an empty smsrelay database. Callers own
// termination.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(45 * time.Second)

	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("smsrelay"),
		postgres.WithUsername("smsrelay"),
		postgres.WithPassword("smsrelay"),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", postgresImage, err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}

	return &PostgresContainer{PostgresContainer: c, ConnectionString: dsn}, nil
}
