package records

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-faster/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/prompted/csvrelay/internal/csvdata"
)

// Drivers accepted by Open. DriverSQLite and DriverGormPostgres go through
// gorm.
const (
	DriverPGX          = "pgx"
	DriverSQLite       = "sqlite"
	DriverGormPostgres = "gorm-postgres"
)

// recordRow maps csv_records. Code is the primary key, so the id column is
// plain data even though gorm would otherwise promote it.
type recordRow struct {
	Code      string    `gorm:"column:code;primaryKey"`
	ID        int64     `gorm:"column:id;not null;default:0"`
	Name      string    `gorm:"column:name;not null;default:''"`
	Value     float64   `gorm:"column:value;not null;default:0"`
	OwnerID   string    `gorm:"column:owner_id;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (recordRow) TableName() string { return "csv_records" }

func (r recordRow) stored() csvdata.StoredRecord {
	return csvdata.StoredRecord{
		Code:      r.Code,
		ID:        r.ID,
		Name:      r.Name,
		Value:     r.Value,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt,
	}
}

// GormStore persists records through gorm. It backs local runs on a SQLite
// file and deployments that prefer gorm's PostgreSQL dialect.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens dsn with the named dialect and migrates csv_records.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverGormPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gorm open")
	}
	return NewGormStore(db)
}

// NewGormStore wraps db and ensures the csv_records schema exists.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, errors.Wrap(err, "automigrate csv_records")
	}
	return &GormStore{db: db}, nil
}

// FindExistingCodes returns the subset of codes already stored, for any owner.
func (s *GormStore) FindExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error) {
	unique := uniqueCodes(codes)
	existing := make(map[string]struct{}, len(unique))

	for start := 0; start < len(unique); start += existingCodesChunk {
		end := min(start+existingCodesChunk, len(unique))

		var found []string
		err := s.db.WithContext(ctx).
			Model(&recordRow{}).
			Where("code IN ?", unique[start:end]).
			Pluck("code", &found).Error
		if err != nil {
			return nil, errors.Wrap(err, "existing codes")
		}
		for _, c := range found {
			existing[c] = struct{}{}
		}
	}
	return existing, nil
}

// Upsert inserts rec for ownerID unless the code is already stored.
func (s *GormStore) Upsert(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error) {
	row := recordRow{
		Code:    rec.Code,
		ID:      rec.ID,
		Name:    rec.Name,
		Value:   rec.Value,
		OwnerID: ownerID,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&row)
	switch {
	case isDuplicateKey(res.Error):
		return false, errors.Errorf("%w: code %s", csvdata.ErrDuplicateEntry, rec.Code)
	case res.Error != nil:
		return false, errors.Wrapf(res.Error, "insert code %s", rec.Code)
	}
	return res.RowsAffected == 1, nil
}

// FindByOwner returns every record owned by ownerID, oldest first.
func (s *GormStore) FindByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Order("code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "records by owner")
	}

	out := make([]csvdata.StoredRecord, len(rows))
	for i, r := range rows {
		out[i] = r.stored()
	}
	return out, nil
}

// FindByCodeAndOwner returns csvdata.ErrNotFound when the code is absent or
// belongs to another owner.
func (s *GormStore) FindByCodeAndOwner(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error) {
	var row recordRow
	err := s.db.WithContext(ctx).
		Where("code = ? AND owner_id = ?", code, ownerID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return csvdata.StoredRecord{}, errors.Errorf("%w: code %s", csvdata.ErrNotFound, code)
	}
	if err != nil {
		return csvdata.StoredRecord{}, errors.Wrapf(err, "record %s", code)
	}
	return row.stored(), nil
}

// DeleteByOwner removes every record owned by ownerID.
func (s *GormStore) DeleteByOwner(ctx context.Context, ownerID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Delete(&recordRow{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete by owner")
	}
	return res.RowsAffected, nil
}

// Ping reports whether the database is reachable.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "gorm db")
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "gorm db")
	}
	return sqlDB.Close()
}
