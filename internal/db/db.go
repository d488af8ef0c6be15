// Package db provides helpers for connecting to PostgreSQL and running migrations.
package db

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

// Connect opens a connection pool to PostgreSQL and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "db open")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "db ping")
	}

	slog.Info("database connected", "dsn", SanitizeDSN(dsn))
	return db, nil
}

// Healthy returns nil when the database is reachable.
func Healthy(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

// SanitizeDSN masks the password of a URL-form DSN for logging.
func SanitizeDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		if len(dsn) > 40 {
			return dsn[:40] + "..."
		}
		return dsn
	}
	return u.Redacted()
}
