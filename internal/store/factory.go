package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"inboxrelay/internal/domain"
)

var errEmptyDSN = errors.New("empty dsn")

// Store is a domain.Store that also exposes its SQL handle.
type Store interface {
	domain.Store
	DB() *sql.DB
	Dialect() string
}

// Open builds a store from a driver name and DSN. An empty driver is inferred
// from the DSN: postgres:// and postgresql:// URLs select PostgreSQL, anything
// else is treated as a SQLite file path.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if driver == "" {
		driver = InferDriver(dsn)
	}
	switch driver {
	case "sqlite", "sqlite3":
		s, err := NewSQLiteStore(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql", "pg":
		s, err := NewPostgresStore(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// InferDriver guesses the driver from a DSN.
func InferDriver(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite"
}
