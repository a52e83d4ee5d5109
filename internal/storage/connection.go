package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pingTimeout = 5 * time.Second

// Connection wraps a pooled *sql.DB with the health-check and lifecycle
// conventions the rest of this codebase expects.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL connection pool per cfg and verifies
// connectivity with a bounded ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck verifies the connection is still serving queries.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return c.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// isConnectionError reports whether err indicates the underlying connection
// was lost (as opposed to a constraint violation or bad query), following
// the same pq-error-code-class sniffing idiom used elsewhere in this stack
// for per-event transaction abort decisions.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 = Connection Exception.
		return len(pqErr.Code) >= 2 && pqErr.Code[:2] == "08"
	}

	return false
}
