package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// ErrReplyTimeout means no reply arrived within the reply timeout.
var ErrReplyTimeout = errors.New("relay reply timeout")

// amqpChannel is the part of *amqp.Channel used to publish.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// queueDeclarer is the part of *amqp.Channel used to declare queues.
type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// DeclareStageQueues declares the durable queue of every stage.
func DeclareStageQueues(ch queueDeclarer, prefix string) error {
	for _, s := range Stages {
		if _, err := ch.QueueDeclare(s.Queue(prefix), true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare queue %s", s.Queue(prefix))
		}
	}
	return nil
}

// PublisherOptions configures an AMQPPublisher. ReplyTimeout bounds the wait
// for upload and save replies. ProcessReplyTimeout bounds the wait for a
// process reply, which covers the whole serialized save fan-out of a file.
type PublisherOptions struct {
	QueuePrefix         string
	ReplyTimeout        time.Duration
	ProcessReplyTimeout time.Duration
}

// DefaultProcessReplyTimeout applies when ProcessReplyTimeout is unset.
const DefaultProcessReplyTimeout = 10 * time.Minute

// outbound is a publish request sent from Publish to the owner goroutine.
type outbound struct {
	ctx   context.Context
	key   string
	msg   amqp.Publishing
	reply chan inbound
}

// inbound is the owner goroutine's answer to one outbound request.
type inbound struct {
	reply Reply
	err   error
}

// AMQPPublisher publishes stage requests to RabbitMQ and waits for replies on
// an exclusive reply queue, matched by correlation id.
//
// It uses the owner-goroutine pattern (no mutexes): a single goroutine owns
// the pending-reply table and the channel, and is the only reader/writer.
type AMQPPublisher struct {
	ch         *amqp.Channel
	pub        amqpChannel
	replyQueue string
	prefix     string
	timeout    time.Duration
	processTTL time.Duration

	reqCh    chan outbound
	cancelCh chan string
	closeCh  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	// err is written by the owner goroutine before done is closed.
	err error
}

// NewAMQPPublisher opens a channel on conn, declares the stage queues and a
// private reply queue, and starts the owner goroutine.
func NewAMQPPublisher(conn *amqp.Connection, opts PublisherOptions) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := DeclareStageQueues(ch, opts.QueuePrefix); err != nil {
		ch.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare reply queue")
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "consume reply queue")
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	p := newAMQPPublisher(ch, q.Name, opts)
	p.ch = ch
	go p.run(deliveries, closed)

	slog.Info("amqp publisher ready", "reply_queue", q.Name, "prefix", opts.QueuePrefix)
	return p, nil
}

func newAMQPPublisher(pub amqpChannel, replyQueue string, opts PublisherOptions) *AMQPPublisher {
	timeout := opts.ReplyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	processTTL := opts.ProcessReplyTimeout
	if processTTL <= 0 {
		processTTL = DefaultProcessReplyTimeout
	}
	processTTL = max(processTTL, timeout)
	return &AMQPPublisher{
		pub:        pub,
		replyQueue: replyQueue,
		prefix:     opts.QueuePrefix,
		timeout:    timeout,
		processTTL: processTTL,
		reqCh:      make(chan outbound),
		cancelCh:   make(chan string, 16),
		closeCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Publish implements Publisher. It blocks until the reply arrives, the reply
// timeout elapses or ctx is done.
func (p *AMQPPublisher) Publish(ctx context.Context, stage Stage, env any) (Reply, error) {
	id := uuid.NewString()
	body, err := encodeRequest(id, stage, env)
	if err != nil {
		return Reply{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeoutFor(stage))
	defer cancel()

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	out := outbound{
		ctx: ctx,
		key: stage.Queue(p.prefix),
		msg: amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: id,
			MessageId:     id,
			ReplyTo:       p.replyQueue,
			Timestamp:     time.Now().UTC(),
			Headers:       headers,
			Body:          body,
		},
		reply: make(chan inbound, 1),
	}

	select {
	case p.reqCh <- out:
	case <-ctx.Done():
		return Reply{}, p.waitErr(ctx, stage)
	case <-p.done:
		return Reply{}, p.err
	}

	select {
	case in := <-out.reply:
		return in.reply, in.err
	case <-ctx.Done():
		select {
		case p.cancelCh <- id:
		case <-p.done:
		}
		return Reply{}, p.waitErr(ctx, stage)
	case <-p.done:
		select {
		case in := <-out.reply:
			return in.reply, in.err
		default:
			return Reply{}, p.err
		}
	}
}

func (p *AMQPPublisher) timeoutFor(stage Stage) time.Duration {
	if stage == StageProcess {
		return p.processTTL
	}
	return p.timeout
}

func (p *AMQPPublisher) waitErr(ctx context.Context, stage Stage) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Errorf("%w: %s after %s", ErrReplyTimeout, stage.Pattern(), p.timeoutFor(stage))
	}
	return errors.Wrap(ctx.Err(), "publish "+stage.Pattern())
}

// run is the owner goroutine. It returns when the publisher is closed or the
// broker side goes away, failing every request still waiting for a reply.
func (p *AMQPPublisher) run(deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	pending := make(map[string]chan inbound)

	defer func() {
		for id, ch := range pending {
			ch <- inbound{err: p.err}
			delete(pending, id)
		}
		close(p.done)
	}()

	for {
		select {
		case out := <-p.reqCh:
			if err := p.pub.PublishWithContext(out.ctx, "", out.key, false, false, out.msg); err != nil {
				out.reply <- inbound{err: errors.Errorf("%w: publish to %s: %v", ErrUnavailable, out.key, err)}
				continue
			}
			pending[out.msg.CorrelationId] = out.reply

		case id := <-p.cancelCh:
			delete(pending, id)

		case d, ok := <-deliveries:
			if !ok {
				p.err = errors.Wrap(ErrUnavailable, "reply consumer closed")
				return
			}
			ch, ok := pending[d.CorrelationId]
			if !ok {
				slog.Warn("reply without pending request", "correlation_id", d.CorrelationId)
				continue
			}
			delete(pending, d.CorrelationId)

			_, reply, err := decodeReply(d.Body)
			ch <- inbound{reply: reply, err: err}

		case amqpErr := <-closed:
			p.err = errors.Errorf("%w: channel closed: %v", ErrUnavailable, amqpErr)
			return

		case <-p.closeCh:
			p.err = errors.Wrap(ErrUnavailable, "publisher closed")
			return
		}
	}
}

// Close stops the owner goroutine and closes the channel.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.closeCh) })
	<-p.done
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}

// headerCarrier adapts AMQP headers for trace context propagation.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
