// Package api exposes the CSV ingestion operations over HTTP: the synchronous
// upload, the two relay entry points and the owner-scoped read and delete
// operations.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/prompted/csvrelay/internal/csvdata"
	"github.com/prompted/csvrelay/internal/logging"
	"github.com/prompted/csvrelay/internal/relay"
)

// multipartMemory is the part of a multipart body kept in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// Service is the ingestion logic behind the synchronous endpoints.
type Service interface {
	IngestBatch(ctx context.Context, raw []byte, ownerID string) (csvdata.IngestResult, error)
	ListByOwner(ctx context.Context, ownerID string) ([]csvdata.StoredRecord, error)
	GetByCode(ctx context.Context, code, ownerID string) (csvdata.StoredRecord, error)
	DeleteAllByOwner(ctx context.Context, ownerID string) (int64, error)
}

// Handler exposes the CSV HTTP endpoints.
type Handler struct {
	svc       Service
	pub       relay.Publisher
	maxUpload int64
}

// NewHandler creates a Handler. Uploads larger than maxUploadBytes are
// rejected with 413.
func NewHandler(svc Service, pub relay.Publisher, maxUploadBytes int64) *Handler {
	return &Handler{svc: svc, pub: pub, maxUpload: maxUploadBytes}
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string       `json:"error"`
	Code  csvdata.Code `json:"code"`
	Reply *relay.Reply `json:"reply,omitempty"`
}

// DeleteResponse is the response for DELETE /api/v1/csv.
type DeleteResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// ---------------------------------------------------------------------------
// POST /api/v1/csv/upload
// ---------------------------------------------------------------------------

// Upload parses and stores the uploaded file within the request.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	content, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	res, err := h.svc.IngestBatch(r.Context(), content, OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceErr(w, r, "failed to process CSV file", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ---------------------------------------------------------------------------
// POST /api/v1/csv/queue1, POST /api/v1/csv/queue2
// ---------------------------------------------------------------------------

// Queue1 submits the uploaded file to the upload stage.
func (h *Handler) Queue1(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, relay.StageUpload)
}

// Queue2 submits the uploaded file to the process stage.
func (h *Handler) Queue2(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, relay.StageProcess)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, stage relay.Stage) {
	content, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	owner := OwnerFromContext(r.Context())
	reply, err := h.pub.Publish(r.Context(), stage, relay.NewFileEnvelope(content, owner))
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, relay.ErrReplyTimeout) {
			status = http.StatusGatewayTimeout
		}
		logging.FromContext(r.Context()).Error("relay publish failed",
			"stage", stage.String(),
			"owner", owner,
			"error", err,
		)
		writeJSON(w, status, errorResponse{Error: "message queue unavailable", Code: csvdata.CodeInternal})
		return
	}

	if !reply.OK() {
		status := http.StatusBadGateway
		if reply.Code.UserError() {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: reply.Message, Code: reply.Code, Reply: &reply})
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

// ---------------------------------------------------------------------------
// GET /api/v1/csv, GET /api/v1/csv/{code}, DELETE /api/v1/csv
// ---------------------------------------------------------------------------

// List returns every record owned by the caller.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListByOwner(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceErr(w, r, "failed to list records", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// Get returns one record owned by the caller.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := h.svc.GetByCode(r.Context(), code, OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceErr(w, r, "failed to fetch record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteAll removes every record owned by the caller.
func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DeleteAllByOwner(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceErr(w, r, "failed to delete records", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Message: "All data deleted successfully", Deleted: n})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// readUpload returns the multipart "file" part. It writes the error response
// itself and reports false when there is nothing to process.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit", csvdata.CodeInvalidFormat)
			return nil, false
		}
		writeErr(w, http.StatusBadRequest, "No file uploaded", csvdata.CodeInvalidFormat)
		return nil, false
	}
	defer r.MultipartForm.RemoveAll()

	f, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "No file uploaded", csvdata.CodeInvalidFormat)
		return nil, false
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read uploaded file", csvdata.CodeInvalidFormat)
		return nil, false
	}
	if len(content) == 0 {
		writeErr(w, http.StatusBadRequest, "Empty file uploaded", csvdata.CodeEmptyResult)
		return nil, false
	}

	if mt := mimetype.Detect(content); !isText(mt) {
		writeErr(w, http.StatusBadRequest, "unsupported file type "+mt.String(), csvdata.CodeMalformedInput)
		return nil, false
	}
	return content, true
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// statusFor maps an error code to its HTTP status.
func statusFor(code csvdata.Code) int {
	switch {
	case code.UserError():
		return http.StatusBadRequest
	case code == csvdata.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceErr shows user errors verbatim and hides infrastructure detail.
func writeServiceErr(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := csvdata.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error(msg,
			"owner", OwnerFromContext(r.Context()),
			"code", code,
			"error", err,
		)
		writeErr(w, status, msg, code)
		return
	}
	writeErr(w, status, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeErr(w http.ResponseWriter, status int, msg string, code csvdata.Code) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
