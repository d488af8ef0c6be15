package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-faster/errors"

	"github.com/prompted/csvrelay/internal/csvdata"
	"github.com/prompted/csvrelay/internal/db"
)

// existingCodesChunk bounds the placeholders per lookup query; PostgreSQL
// caps a statement at 65535 parameters.
const existingCodesChunk = 1000

// PGStore persists records in PostgreSQL through database/sql and the pgx
// driver. It is safe for concurrent use; conflicting writes are serialized by
// the primary key, not by Go-level locks.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an existing *sql.DB connection pool.
func NewPGStore(pool *sql.DB) *PGStore {
	return &PGStore{db: pool}
}

// FindExistingCodes returns the subset of codes already stored, for any owner.
func (s *PGStore) FindExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error) {
	unique := uniqueCodes(codes)
	existing := make(map[string]struct{}, len(unique))

	for start := 0; start < len(unique); start += existingCodesChunk {
		end := min(start+existingCodesChunk, len(unique))
		chunk := unique[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, c := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = c
		}

		query := queryExistingCodesPrefix + strings.Join(placeholders, ", ") + ")"
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errors.Wrap(err, "existing codes")
		}
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan code")
			}
			existing[code] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "rows")
		}
	}
	return existing, nil
}

// Upsert inserts rec for ownerID unless the code is already stored.
// An existing code is not an error: inserted is false and the row is unchanged.
func (s *PGStore) Upsert(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, queryInsertRecord,
		rec.Code, rec.ID, rec.Name, rec.Value, ownerID,
	).Scan(&ok)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case isDuplicateKey(err):
		return false, errors.Errorf("%w: code %s", csvdata.ErrDuplicateEntry, rec.Code)
	case err != nil:
		return false, errors.Wrapf(err, "insert code %s", rec.Code)
	}
	return true, nil
}

// FindByOwner returns every record owned by ownerID, oldest first.
func (s *PGStore) FindByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryRecordsByOwner, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "records by owner")
	}
	defer rows.Close()

	var out []csvdata.StoredRecord
	for rows.Next() {
		var r csvdata.StoredRecord
		if err := rows.Scan(&r.Code, &r.ID, &r.Name, &r.Value, &r.OwnerID, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}
	return out, nil
}

// FindByCodeAndOwner returns csvdata.ErrNotFound when the code is absent or
// belongs to another owner.
func (s *PGStore) FindByCodeAndOwner(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error) {
	var r csvdata.StoredRecord
	err := s.db.QueryRowContext(ctx, queryRecordByCodeAndOwner, code, ownerID).
		Scan(&r.Code, &r.ID, &r.Name, &r.Value, &r.OwnerID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return csvdata.StoredRecord{}, errors.Errorf("%w: code %s", csvdata.ErrNotFound, code)
	}
	if err != nil {
		return csvdata.StoredRecord{}, errors.Wrapf(err, "record %s", code)
	}
	return r, nil
}

// DeleteByOwner removes every record owned by ownerID.
func (s *PGStore) DeleteByOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteByOwner, ownerID)
	if err != nil {
		return 0, errors.Wrap(err, "delete by owner")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	return db.Healthy(ctx, s.db)
}

// Close closes the underlying pool.
func (s *PGStore) Close() error {
	return s.db.Close()
}

func uniqueCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
