// Package csvdata holds the inventory record model shared by the HTTP path and
// the queue relay, the CSV decoder that produces it, and the error taxonomy
// both paths report.
package csvdata

import "time"

// Record is one decoded CSV row mapped onto the fixed field set.
// Code is never empty on a Record returned by Decode.
type Record struct {
	Code  string  `json:"code"`
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// StoredRecord is a persisted Record plus its owner and creation time.
type StoredRecord struct {
	Code      string    `json:"code"`
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// IngestResult summarises one batch ingest.
// Received always equals SkippedExisting + Saved.
type IngestResult struct {
	Received          int `json:"received"`
	SkippedExisting   int `json:"skippedExisting"`
	Saved             int `json:"saved"`
	DuplicatesInBatch int `json:"duplicatesInBatch"`
}

// Codes returns the record codes in input order, repeats included.
func Codes(recs []Record) []string {
	codes := make([]string, len(recs))
	for i, r := range recs {
		codes[i] = r.Code
	}
	return codes
}
