// Package ingest turns uploaded CSV bytes into stored records. The same
// Service backs the synchronous HTTP upload and the terminal relay stage.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prompted/csvrelay/internal/csvdata"
	"github.com/prompted/csvrelay/internal/logging"
	"github.com/prompted/csvrelay/internal/metrics"
)

// Store is the keyed record store the service persists into. Upsert must be
// idempotent on Code: an existing key reports inserted=false without error.
type Store interface {
	FindExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error)
	Upsert(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error)
	FindByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error)
	FindByCodeAndOwner(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error)
	DeleteByOwner(ctx context.Context, ownerID string) (int64, error)
}

// Service orchestrates decode, dedup and persistence. It holds no state
// between calls; concurrent calls coordinate only through the Store.
type Service struct {
	store   Store
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewService creates a Service backed by store.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		tracer:  otel.Tracer("github.com/prompted/csvrelay/internal/ingest"),
		metrics: metrics.Default(),
	}
}

// IngestBatch decodes raw and stores every record whose code was not already
// stored when the batch started. The existence check runs once up front;
// repeats within the batch are each attempted and the store's idempotent
// upsert turns the later ones into no-ops counted in DuplicatesInBatch.
//
// On a store failure the counts reached so far are returned with an error
// matching csvdata.ErrPersistenceFailure.
func (s *Service) IngestBatch(ctx context.Context, raw []byte, ownerID string) (csvdata.IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.IngestBatch",
		trace.WithAttributes(attribute.Int("csv.bytes", len(raw))))
	defer span.End()

	start := time.Now()
	log := logging.FromContext(ctx)

	res, err := s.ingestBatch(ctx, raw, ownerID)
	s.metrics.BatchesTotal.WithLabelValues(batchLabel(err)).Inc()
	span.SetAttributes(
		attribute.Int("csv.received", res.Received),
		attribute.Int("csv.saved", res.Saved),
		attribute.Int("csv.skipped_existing", res.SkippedExisting),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("ingest failed",
			"owner", ownerID,
			"code", csvdata.CodeOf(err),
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return res, err
	}

	log.Info("ingest completed",
		"owner", ownerID,
		"received", res.Received,
		"saved", res.Saved,
		"skipped_existing", res.SkippedExisting,
		"duplicates_in_batch", res.DuplicatesInBatch,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (s *Service) ingestBatch(ctx context.Context, raw []byte, ownerID string) (csvdata.IngestResult, error) {
	recs, err := csvdata.Decode(raw)
	if err != nil {
		return csvdata.IngestResult{}, err
	}

	res := csvdata.IngestResult{Received: len(recs)}

	existing, err := s.store.FindExistingCodes(ctx, csvdata.Codes(recs))
	if err != nil {
		return res, csvdata.WrapPersistence(err, "find existing codes")
	}

	for _, rec := range recs {
		if _, ok := existing[rec.Code]; ok {
			res.SkippedExisting++
			s.metrics.RecordsTotal.WithLabelValues(metrics.OutcomeSkippedExisting).Inc()
			continue
		}

		inserted, err := s.store.Upsert(ctx, rec, ownerID)
		if errors.Is(err, csvdata.ErrDuplicateEntry) {
			inserted, err = false, nil
		}
		if err != nil {
			return res, csvdata.WrapPersistence(err, "upsert "+rec.Code)
		}

		if inserted {
			res.Saved++
			s.metrics.RecordsTotal.WithLabelValues(metrics.OutcomeSaved).Inc()
			continue
		}
		res.SkippedExisting++
		res.DuplicatesInBatch++
		s.metrics.RecordsTotal.WithLabelValues(metrics.OutcomeDuplicateInBatch).Inc()
	}
	return res, nil
}

// ParseOnly decodes raw without touching the store.
func (s *Service) ParseOnly(raw []byte) ([]csvdata.Record, error) {
	return csvdata.Decode(raw)
}

// PersistOne upserts a single decoded record. An existing code yields
// inserted=false; a duplicate-key error from the store is returned as
// csvdata.ErrDuplicateEntry, and any other store error as
// csvdata.ErrPersistenceFailure.
func (s *Service) PersistOne(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.PersistOne",
		trace.WithAttributes(attribute.String("csv.code", rec.Code)))
	defer span.End()

	rec.Code = strings.TrimSpace(rec.Code)
	if rec.Code == "" {
		err := errors.Wrap(csvdata.ErrMissingKeyColumn, "record has no code")
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	inserted, err := s.store.Upsert(ctx, rec, ownerID)
	switch {
	case errors.Is(err, csvdata.ErrDuplicateEntry):
		return false, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, csvdata.WrapPersistence(err, "upsert "+rec.Code)
	}

	outcome := metrics.OutcomeSaved
	if !inserted {
		outcome = metrics.OutcomeDuplicateInBatch
	}
	s.metrics.RecordsTotal.WithLabelValues(outcome).Inc()
	return inserted, nil
}

// ListByOwner returns every record owned by ownerID.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error) {
	recs, err := s.store.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, csvdata.WrapPersistence(err, "find by owner")
	}
	if recs == nil {
		recs = []csvdata.StoredRecord{}
	}
	return recs, nil
}

// GetByCode returns the record with code if ownerID owns it, or an error
// matching csvdata.ErrNotFound.
func (s *Service) GetByCode(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error) {
	rec, err := s.store.FindByCodeAndOwner(ctx, code, ownerID)
	switch {
	case errors.Is(err, csvdata.ErrNotFound):
		return csvdata.StoredRecord{}, err
	case err != nil:
		return csvdata.StoredRecord{}, csvdata.WrapPersistence(err, "find by code")
	}
	return rec, nil
}

// DeleteAllByOwner removes every record owned by ownerID and returns how many
// were deleted. Deleting nothing is not an error.
func (s *Service) DeleteAllByOwner(ctx context.Context, ownerID string) (int64, error) {
	n, err := s.store.DeleteByOwner(ctx, ownerID)
	if err != nil {
		return 0, csvdata.WrapPersistence(err, "delete by owner")
	}

	log := logging.FromContext(ctx)
	if n == 0 {
		log.Warn("no records to delete", "owner", ownerID)
	} else {
		log.Info("records deleted", "owner", ownerID, "deleted", n)
	}
	return n, nil
}

func batchLabel(err error) string {
	if err == nil {
		return "OK"
	}
	return string(csvdata.CodeOf(err))
}
