// Package records adapts relational stores to the keyed record store the
// ingestion service depends on. Code is the primary key across the whole
// table, not per owner.
package records

// SQL used by PGStore.
const (
	// queryInsertRecord is an idempotent insert: an existing code is left
	// untouched and no row comes back, which PGStore reports as not inserted.
	queryInsertRecord = `
INSERT INTO csv_records (code, id, name, value, owner_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (code) DO NOTHING
RETURNING true`

	// queryExistingCodesPrefix is completed with one placeholder per code.
	queryExistingCodesPrefix = `SELECT code FROM csv_records WHERE code IN (`

	queryRecordsByOwner = `
SELECT code, id, name, value, owner_id, created_at
FROM csv_records
WHERE owner_id = $1
ORDER BY created_at ASC, code ASC`

	queryRecordByCodeAndOwner = `
SELECT code, id, name, value, owner_id, created_at
FROM csv_records
WHERE code = $1
  AND owner_id = $2`

	queryDeleteByOwner = `DELETE FROM csv_records WHERE owner_id = $1`
)
