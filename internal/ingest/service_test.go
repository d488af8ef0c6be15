package ingest_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prompted/csvrelay/internal/csvdata"
	"github.com/prompted/csvrelay/internal/ingest"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	rows    map[string]csvdata.StoredRecord
	upserts []string
}

func newMemStore(seed ...csvdata.StoredRecord) *memStore {
	s := &memStore{rows: make(map[string]csvdata.StoredRecord)}
	for _, r := range seed {
		s.rows[r.Code] = r
	}
	return s
}

func (s *memStore) FindExistingCodes(_ context.Context, codes []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, c := range codes {
		if _, ok := s.rows[c]; ok {
			out[c] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, rec csvdata.Record, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, rec.Code)
	if _, ok := s.rows[rec.Code]; ok {
		return false, nil
	}
	s.rows[rec.Code] = csvdata.StoredRecord{
		Code: rec.Code, ID: rec.ID, Name: rec.Name, Value: rec.Value, OwnerID: ownerID,
	}
	return true, nil
}

func (s *memStore) FindByOwner(_ context.Context, ownerID string) ([]csvdata.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []csvdata.StoredRecord
	for _, r := range s.rows {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) FindByCodeAndOwner(_ context.Context, code, ownerID string) (csvdata.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[code]
	if !ok || r.OwnerID != ownerID {
		return csvdata.StoredRecord{}, errors.Errorf("%w: code %s", csvdata.ErrNotFound, code)
	}
	return r, nil
}

func (s *memStore) DeleteByOwner(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, r := range s.rows {
		if r.OwnerID == ownerID {
			delete(s.rows, code)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Mock store for failure injection
// ---------------------------------------------------------------------------

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FindExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error) {
	args := m.Called(ctx, codes)
	existing, _ := args.Get(0).(map[string]struct{})
	return existing, args.Error(1)
}

func (m *mockStore) Upsert(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error) {
	args := m.Called(ctx, rec, ownerID)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) FindByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error) {
	args := m.Called(ctx, ownerID)
	recs, _ := args.Get(0).([]csvdata.StoredRecord)
	return recs, args.Error(1)
}

func (m *mockStore) FindByCodeAndOwner(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error) {
	args := m.Called(ctx, code, ownerID)
	rec, _ := args.Get(0).(csvdata.StoredRecord)
	return rec, args.Error(1)
}

func (m *mockStore) DeleteByOwner(ctx context.Context, ownerID string) (int64, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(int64), args.Error(1)
}

// ---------------------------------------------------------------------------
// IngestBatch
// ---------------------------------------------------------------------------

const widgetCSV = "Code,Id,Name,Value\nP1,1,Widget,9.99\n"

func TestIngestBatchStoresRecord(t *testing.T) {
	store := newMemStore()
	svc := ingest.NewService(store)
	ctx := context.Background()

	res, err := svc.IngestBatch(ctx, []byte(widgetCSV), "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{Received: 1, Saved: 1}, res)

	got, err := svc.GetByCode(ctx, "P1", "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.StoredRecord{Code: "P1", ID: 1, Name: "Widget", Value: 9.99, OwnerID: "u1"}, got)

	res, err = svc.IngestBatch(ctx, []byte(widgetCSV), "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{Received: 1, SkippedExisting: 1}, res)

	all, err := svc.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestBatchSkipsExistingWithoutOverwrite(t *testing.T) {
	original := csvdata.StoredRecord{Code: "X", ID: 7, Name: "original", Value: 1, OwnerID: "u1"}
	store := newMemStore(original)
	svc := ingest.NewService(store)

	res, err := svc.IngestBatch(context.Background(), []byte("Code,Name\nX,replacement\n"), "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{Received: 1, SkippedExisting: 1}, res)
	assert.Equal(t, original, store.rows["X"])
	assert.Empty(t, store.upserts, "existing code must not reach the store")
}

func TestIngestBatchPersistsAllNewCodes(t *testing.T) {
	store := newMemStore()
	svc := ingest.NewService(store)
	ctx := context.Background()

	res, err := svc.IngestBatch(ctx, []byte("Code\nA\nB\n"), "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{Received: 2, Saved: 2}, res)

	recs, err := svc.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	codes := make([]string, len(recs))
	for i, r := range recs {
		codes[i] = r.Code
	}
	sort.Strings(codes)
	assert.Equal(t, []string{"A", "B"}, codes)
}

func TestIngestBatchAttemptsWithinBatchRepeats(t *testing.T) {
	store := newMemStore(csvdata.StoredRecord{Code: "OLD", OwnerID: "u1"})
	svc := ingest.NewService(store)

	res, err := svc.IngestBatch(context.Background(), []byte("Code,Name\nA,first\nOLD,x\nA,second\nB,b\n"), "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{
		Received:          4,
		SkippedExisting:   2,
		Saved:             2,
		DuplicatesInBatch: 1,
	}, res)
	assert.Equal(t, res.Received, res.SkippedExisting+res.Saved)

	// Both A rows reach the store in input order; OLD is filtered by the pre-check.
	assert.Equal(t, []string{"A", "A", "B"}, store.upserts)
	assert.Equal(t, "first", store.rows["A"].Name)
}

func TestIngestBatchCrossOwnerCollision(t *testing.T) {
	store := newMemStore()
	svc := ingest.NewService(store)
	ctx := context.Background()

	_, err := svc.IngestBatch(ctx, []byte(widgetCSV), "u1")
	require.NoError(t, err)

	res, err := svc.IngestBatch(ctx, []byte(widgetCSV), "u2")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{Received: 1, SkippedExisting: 1}, res)

	_, err = svc.GetByCode(ctx, "P1", "u2")
	assert.True(t, errors.Is(err, csvdata.ErrNotFound))
}

func TestIngestBatchDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", csvdata.ErrEmptyResult},
		{"header only", "Code,Id,Name,Value\n", csvdata.ErrEmptyResult},
		{"no code column", "Id,Name\n1,a\n", csvdata.ErrMissingKeyColumn},
		{"bad quoting", "Code\n\"A\n", csvdata.ErrMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			svc := ingest.NewService(store)

			_, err := svc.IngestBatch(context.Background(), []byte(tt.input), "u1")
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			store.AssertNotCalled(t, "FindExistingCodes", mock.Anything, mock.Anything)
		})
	}
}

func TestIngestBatchPersistenceFailure(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("existence lookup", func(t *testing.T) {
		store := &mockStore{}
		store.On("FindExistingCodes", mock.Anything, []string{"P1"}).Return(nil, boom)
		svc := ingest.NewService(store)

		_, err := svc.IngestBatch(context.Background(), []byte(widgetCSV), "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, csvdata.ErrPersistenceFailure))
		assert.True(t, errors.Is(err, boom))
		assert.Equal(t, csvdata.CodePersistenceFailure, csvdata.CodeOf(err))
		store.AssertExpectations(t)
	})

	t.Run("upsert", func(t *testing.T) {
		store := &mockStore{}
		store.On("FindExistingCodes", mock.Anything, []string{"A", "B"}).Return(map[string]struct{}{}, nil)
		store.On("Upsert", mock.Anything, csvdata.Record{Code: "A"}, "u1").Return(true, nil).Once()
		store.On("Upsert", mock.Anything, csvdata.Record{Code: "B"}, "u1").Return(false, boom).Once()
		svc := ingest.NewService(store)

		res, err := svc.IngestBatch(context.Background(), []byte("Code\nA\nB\n"), "u1")
		assert.True(t, errors.Is(err, csvdata.ErrPersistenceFailure))
		assert.Equal(t, 1, res.Saved)
		store.AssertExpectations(t)
	})
}

func TestIngestBatchDuplicateKeyErrorIsSkip(t *testing.T) {
	store := &mockStore{}
	store.On("FindExistingCodes", mock.Anything, []string{"P1"}).Return(map[string]struct{}{}, nil)
	store.On("Upsert", mock.Anything, mock.Anything, "u1").
		Return(false, errors.Wrap(csvdata.ErrDuplicateEntry, "23505"))
	svc := ingest.NewService(store)

	res, err := svc.IngestBatch(context.Background(), []byte(widgetCSV), "u1")
	require.NoError(t, err)
	assert.Equal(t, csvdata.IngestResult{Received: 1, SkippedExisting: 1, DuplicatesInBatch: 1}, res)
}

// ---------------------------------------------------------------------------
// Single-record and read operations
// ---------------------------------------------------------------------------

func TestParseOnlyDoesNotTouchStore(t *testing.T) {
	store := &mockStore{}
	svc := ingest.NewService(store)

	recs, err := svc.ParseOnly([]byte("Code\nA\nB\nC\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, csvdata.Codes(recs))
	store.AssertExpectations(t)
}

func TestPersistOne(t *testing.T) {
	store := newMemStore()
	svc := ingest.NewService(store)
	ctx := context.Background()

	inserted, err := svc.PersistOne(ctx, csvdata.Record{Code: "A", Name: "a"}, "u1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = svc.PersistOne(ctx, csvdata.Record{Code: "A", Name: "again"}, "u1")
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = svc.PersistOne(ctx, csvdata.Record{Code: "  "}, "u1")
	assert.True(t, errors.Is(err, csvdata.ErrMissingKeyColumn))
}

func TestPersistOneErrors(t *testing.T) {
	store := &mockStore{}
	store.On("Upsert", mock.Anything, csvdata.Record{Code: "D"}, "u1").
		Return(false, errors.Wrap(csvdata.ErrDuplicateEntry, "code D"))
	store.On("Upsert", mock.Anything, csvdata.Record{Code: "F"}, "u1").
		Return(false, errors.New("disk full"))
	svc := ingest.NewService(store)

	_, err := svc.PersistOne(context.Background(), csvdata.Record{Code: "D"}, "u1")
	assert.Equal(t, csvdata.CodeDuplicateEntry, csvdata.CodeOf(err))

	_, err = svc.PersistOne(context.Background(), csvdata.Record{Code: "F"}, "u1")
	assert.Equal(t, csvdata.CodePersistenceFailure, csvdata.CodeOf(err))
}

func TestDeleteAllByOwner(t *testing.T) {
	store := newMemStore(
		csvdata.StoredRecord{Code: "A", OwnerID: "u1"},
		csvdata.StoredRecord{Code: "B", OwnerID: "u1"},
		csvdata.StoredRecord{Code: "C", OwnerID: "u2"},
	)
	svc := ingest.NewService(store)
	ctx := context.Background()

	n, err := svc.DeleteAllByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = svc.DeleteAllByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := svc.ListByOwner(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestListByOwnerEmptyIsNotNil(t *testing.T) {
	svc := ingest.NewService(newMemStore())

	recs, err := svc.ListByOwner(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestGetByCodeWrapsStoreFailure(t *testing.T) {
	store := &mockStore{}
	store.On("FindByCodeAndOwner", mock.Anything, "A", "u1").
		Return(csvdata.StoredRecord{}, errors.New("timeout"))
	svc := ingest.NewService(store)

	_, err := svc.GetByCode(context.Background(), "A", "u1")
	assert.True(t, errors.Is(err, csvdata.ErrPersistenceFailure))
}
