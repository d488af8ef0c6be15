package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// ConsumerOptions configures a Consumer. Workers maps each stage to the size
// of its worker pool; missing stages get one worker.
type ConsumerOptions struct {
	QueuePrefix string
	Prefetch    int
	Workers     map[Stage]int
}

// Consumer serves the three stage queues. Every stage has its own channel and
// worker pool, so process handlers blocked on save replies never hold the
// workers that produce those replies.
type Consumer struct {
	conn *amqp.Connection
	d    Dispatcher
	opts ConsumerOptions
}

// NewConsumer creates a Consumer that hands every request to d.
func NewConsumer(conn *amqp.Connection, d Dispatcher, opts ConsumerOptions) *Consumer {
	return &Consumer{conn: conn, d: d, opts: opts}
}

// Run consumes until ctx is cancelled or a delivery channel closes. Deliveries
// still unacknowledged when Run returns are requeued by the broker.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, stage := range Stages {
		ch, err := c.conn.Channel()
		if err != nil {
			return errors.Wrapf(err, "open %s channel", stage)
		}
		defer ch.Close()

		if c.opts.Prefetch > 0 {
			if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
				return errors.Wrapf(err, "qos %s", stage)
			}
		}
		queue := stage.Queue(c.opts.QueuePrefix)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare queue %s", queue)
		}

		tag := "csvrelay-" + stage.String() + "-" + uuid.NewString()[:8]
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return errors.Wrapf(err, "consume %s", queue)
		}

		workers := max(c.opts.Workers[stage], 1)
		for range workers {
			g.Go(func() error {
				return c.work(ctx, ch, stage, deliveries)
			})
		}

		slog.Info("relay consumer started",
			"queue", queue,
			"workers", workers,
			"prefetch", c.opts.Prefetch,
		)
	}

	return g.Wait()
}

func (c *Consumer) work(ctx context.Context, ch amqpChannel, stage Stage, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Errorf("%w: %s deliveries closed", ErrUnavailable, stage)
			}
			handleDelivery(ctx, c.d, ch, stage, d)
		}
	}
}

// handleDelivery dispatches one delivery and publishes its reply. The delivery
// is acked only after the reply is out; an undecodable frame is rejected
// without requeue and a failed reply publish is requeued.
func handleDelivery(ctx context.Context, disp Dispatcher, ch amqpChannel, stage Stage, d amqp.Delivery) {
	start := time.Now()

	frame, routed, err := decodeRequest(d.Body)
	if err == nil && routed != stage {
		err = errors.Errorf("pattern %s delivered to %s queue", routed.Pattern(), stage)
	}
	if err != nil {
		slog.Error("rejecting undecodable delivery",
			"stage", stage.String(),
			"message_id", d.MessageId,
			"error", err,
		)
		_ = d.Nack(false, false)
		return
	}

	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	}
	reply := disp.Dispatch(ctx, stage, frame.Data)

	if d.ReplyTo != "" {
		body, err := encodeReply(frame.ID, reply)
		if err == nil {
			err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: d.CorrelationId,
				Timestamp:     time.Now().UTC(),
				Body:          body,
			})
		}
		if err != nil {
			slog.Error("reply publish failed, requeueing",
				"stage", stage.String(),
				"correlation_id", d.CorrelationId,
				"error", err,
			)
			_ = d.Nack(false, true)
			return
		}
	}

	if err := d.Ack(false); err != nil {
		slog.Error("ack failed", "stage", stage.String(), "error", err)
		return
	}
	slog.Debug("delivery acked",
		"stage", stage.String(),
		"status", reply.Status,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}
