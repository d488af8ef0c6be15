package records

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/prompted/csvrelay/internal/csvdata"
	"github.com/prompted/csvrelay/internal/db"
)

// Store is the record store shared by the API and the relay worker.
type Store interface {
	FindExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error)
	Upsert(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error)
	FindByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error)
	FindByCodeAndOwner(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error)
	DeleteByOwner(ctx context.Context, ownerID string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*GormStore)(nil)
)

// Open connects to dsn with the named driver. For DriverPGX the SQL
// migrations in migrationsDir are applied first; an empty migrationsDir
// skips them.
func Open(ctx context.Context, driver, dsn, migrationsDir string) (Store, error) {
	switch driver {
	case DriverPGX:
		if migrationsDir != "" {
			if err := db.Migrate(dsn, migrationsDir); err != nil {
				return nil, err
			}
		}
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewPGStore(pool), nil
	case DriverSQLite, DriverGormPostgres:
		s, err := OpenGorm(driver, dsn)
		if err != nil {
			return nil, err
		}
		slog.Info("record store opened", "driver", driver, "dsn", db.SanitizeDSN(dsn))
		return s, nil
	default:
		return nil, errors.Errorf("unsupported store driver %q", driver)
	}
}
