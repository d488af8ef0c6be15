package relay

import (
	"context"
	"encoding/json"
	"fmt"
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

// Ingester is the ingestion logic the stages delegate to.
type Ingester interface {
	IngestBatch(ctx context.Context, raw []byte, ownerID string) (csvdata.IngestResult, error)
	ParseOnly(raw []byte) ([]csvdata.Record, error)
	PersistOne(ctx context.Context, rec csvdata.Record, ownerID string) (bool, error)
}

// Publisher sends an envelope to a stage and waits for its Reply. The error
// reports transport failures only; a handled message that failed comes back
// as a Reply with StatusError.
type Publisher interface {
	Publish(ctx context.Context, stage Stage, env any) (Reply, error)
}

// Dispatcher handles one decoded request body for a stage.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage Stage, data []byte) Reply
}

// FanoutPolicy decides what the process stage does after a save fails.
type FanoutPolicy string

const (
	// FanoutHalt stops at the first failed save.
	FanoutHalt FanoutPolicy = "halt"
	// FanoutContinue publishes every record and reports the failures.
	FanoutContinue FanoutPolicy = "continue"
)

// Handler implements the three stages.
type Handler struct {
	svc     Ingester
	pub     Publisher
	policy  FanoutPolicy
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewHandler returns a Handler whose process stage publishes through pub.
func NewHandler(svc Ingester, pub Publisher, policy FanoutPolicy) *Handler {
	if policy == "" {
		policy = FanoutHalt
	}
	return &Handler{
		svc:     svc,
		pub:     pub,
		policy:  policy,
		tracer:  otel.Tracer("github.com/prompted/csvrelay/internal/relay"),
		metrics: metrics.Default(),
	}
}

// Dispatch decodes data into the stage's envelope and runs the stage.
func (h *Handler) Dispatch(ctx context.Context, stage Stage, data []byte) Reply {
	ctx, span := h.tracer.Start(ctx, "relay."+stage.String(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", stage.Pattern()),
			attribute.Int("messaging.message.body.size", len(data)),
		))
	defer span.End()

	start := time.Now()
	log := logging.FromContext(ctx)
	log.Debug("relay message received", "stage", stage.String(), "bytes", len(data))

	var reply Reply
	switch {
	case !stage.Valid():
		reply = failure(csvdata.CodeInvalidFormat, fmt.Sprintf("unknown stage %d", int(stage)))
	case stage == StageSave:
		var env RecordEnvelope
		if err := decodeEnvelope(data, &env); err != nil {
			reply = invalidFormat("Expected record and ownerId", err)
			break
		}
		reply = h.Save(ctx, env)
	default:
		var env FileEnvelope
		if err := decodeEnvelope(data, &env); err != nil {
			reply = invalidFormat("Expected content and ownerId", err)
			break
		}
		if stage == StageUpload {
			reply = h.Upload(ctx, env)
		} else {
			reply = h.Process(ctx, env)
		}
	}

	span.SetAttributes(attribute.String("relay.status", string(reply.Status)))
	if reply.Code != "" {
		span.SetAttributes(attribute.String("relay.code", string(reply.Code)))
	}
	if !reply.OK() {
		span.SetStatus(codes.Error, reply.Message)
	}

	elapsed := time.Since(start)
	h.metrics.RelayMessages.WithLabelValues(stage.String(), string(reply.Status)).Inc()
	h.metrics.RelayLatency.WithLabelValues(stage.String()).Observe(elapsed.Seconds())

	logFn := log.Info
	if !reply.OK() {
		logFn = log.Warn
	}
	logFn("relay message handled",
		"stage", stage.String(),
		"status", reply.Status,
		"code", reply.Code,
		"message", reply.Message,
		"latency_ms", elapsed.Milliseconds(),
	)
	return reply
}

// Upload ingests the whole file synchronously.
func (h *Handler) Upload(ctx context.Context, env FileEnvelope) Reply {
	if err := validateEnvelope(env); err != nil {
		return invalidFormat("Expected content and ownerId", err)
	}
	raw, err := env.Bytes()
	if err != nil {
		return invalidFormat("Expected content and ownerId", err)
	}

	res, err := h.svc.IngestBatch(ctx, raw, env.OwnerID)
	if err != nil {
		reply := failureFromError("Failed to process CSV file", err)
		reply.Result = &res
		return reply
	}

	reply := success("CSV file processed successfully")
	reply.Result = &res
	return reply
}

// Process parses the file and publishes one save message per record, in input
// order, awaiting each reply before the next publish.
func (h *Handler) Process(ctx context.Context, env FileEnvelope) Reply {
	if err := validateEnvelope(env); err != nil {
		return invalidFormat("Expected content and ownerId", err)
	}
	raw, err := env.Bytes()
	if err != nil {
		return invalidFormat("Expected content and ownerId", err)
	}

	recs, err := h.svc.ParseOnly(raw)
	if errors.Is(err, csvdata.ErrEmptyResult) {
		return success("No records to process")
	}
	if err != nil {
		return failureFromError("Failed to parse CSV file", err)
	}

	log := logging.FromContext(ctx)

	var (
		published int
		failed    int
		first     Reply
	)
	for i := range recs {
		rec := recs[i]
		ack, err := h.pub.Publish(ctx, StageSave, RecordEnvelope{Record: &rec, OwnerID: env.OwnerID})
		if err != nil {
			// Transport failures always stop the fan-out.
			log.Error("save publish failed", "code", rec.Code, "row", i+1, "error", err)
			reply := failure(csvdata.CodeInternal,
				fmt.Sprintf("Failed to publish record %d (%s): %v", i+1, rec.Code, err))
			reply.Published = published
			reply.Failed = failed + 1
			return reply
		}
		if ack.OK() {
			published++
			continue
		}

		failed++
		if failed == 1 {
			first = ack
		}
		log.Warn("save failed", "code", rec.Code, "row", i+1, "reply_code", ack.Code, "message", ack.Message)

		if h.policy == FanoutHalt {
			reply := failure(ack.Code,
				fmt.Sprintf("Record %d (%s) failed: %s", i+1, rec.Code, ack.Message))
			reply.Published = published
			reply.Failed = failed
			return reply
		}
	}

	if failed > 0 {
		reply := failure(first.Code,
			fmt.Sprintf("Published %d records, %d failed; first failure: %s", published, failed, first.Message))
		reply.Published = published
		reply.Failed = failed
		return reply
	}

	reply := success(fmt.Sprintf("Published %d records to processing queue", published))
	reply.Published = published
	return reply
}

// Save persists one record. An already-stored code is a successful reply
// with CodeDuplicateEntry.
func (h *Handler) Save(ctx context.Context, env RecordEnvelope) Reply {
	if err := validateEnvelope(env); err != nil {
		return invalidFormat("Expected record and ownerId", err)
	}

	inserted, err := h.svc.PersistOne(ctx, *env.Record, env.OwnerID)
	switch {
	case errors.Is(err, csvdata.ErrDuplicateEntry), err == nil && !inserted:
		reply := success("Record already exists")
		reply.Code = csvdata.CodeDuplicateEntry
		return reply
	case err != nil:
		return failureFromError("Failed to save record", err)
	}
	return success("Record saved successfully")
}

func decodeEnvelope(data []byte, env any) error {
	if err := json.Unmarshal(data, env); err != nil {
		return errors.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}

func invalidFormat(expected string, err error) Reply {
	return failure(csvdata.CodeInvalidFormat, "Invalid message format. "+expected+": "+err.Error())
}
