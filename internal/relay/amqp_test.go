package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompted/csvrelay/internal/csvdata"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// loopbackChannel answers every publish by pushing a reply frame onto replies,
// the way a remote consumer would.
type loopbackChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	replies   chan amqp.Delivery
	respond   func(stage Stage, data json.RawMessage) (Reply, bool)
	delay     func(stage Stage) time.Duration
	err       error
}

func (c *loopbackChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	c.mu.Unlock()

	if c.err != nil {
		return c.err
	}

	frame, stage, err := decodeRequest(msg.Body)
	if err != nil {
		return err
	}
	reply, ok := c.respond(stage, frame.Data)
	if !ok {
		return nil
	}
	body, err := encodeReply(frame.ID, reply)
	if err != nil {
		return err
	}
	var wait time.Duration
	if c.delay != nil {
		wait = c.delay(stage)
	}
	go func() {
		time.Sleep(wait)
		c.replies <- amqp.Delivery{CorrelationId: msg.CorrelationId, Body: body}
	}()
	return nil
}

type recordedAck struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *recordedAck) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *recordedAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func (a *recordedAck) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

type echoDispatcher struct {
	got []Stage
}

func (e *echoDispatcher) Dispatch(_ context.Context, stage Stage, data []byte) Reply {
	e.got = append(e.got, stage)
	return Reply{Status: StatusSuccess, Message: string(data)}
}

func startPublisher(t *testing.T, ch *loopbackChannel, timeout time.Duration) *AMQPPublisher {
	t.Helper()
	p := newAMQPPublisher(ch, "amq.gen-reply", PublisherOptions{QueuePrefix: "csv", ReplyTimeout: timeout})
	go p.run(ch.replies, nil)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// ---------------------------------------------------------------------------
// Framing
// ---------------------------------------------------------------------------

func TestRequestFrameShape(t *testing.T) {
	body, err := encodeRequest("id-1", StageProcess, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"id-1","pattern":"csv.process","data":{"content":"QQ==","ownerId":"u1"}}`, string(body))

	frame, stage, err := decodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, StageProcess, stage)
	assert.Equal(t, "id-1", frame.ID)

	_, _, err = decodeRequest([]byte(`{"id":"x","pattern":"csv.other","data":{}}`))
	assert.Error(t, err)
	_, _, err = decodeRequest([]byte(`garbage`))
	assert.Error(t, err)
}

func TestReplyFrameShape(t *testing.T) {
	body, err := encodeReply("id-1", Reply{Status: StatusError, Message: "boom", Code: csvdata.CodeEmptyResult})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":"id-1","response":{"status":"error","message":"boom","code":"EMPTY_RESULT"},"err":null,"isDisposed":true}`,
		string(body))

	id, reply, err := decodeReply(body)
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, csvdata.CodeEmptyResult, reply.Code)
}

func TestDecodeReplyBareErr(t *testing.T) {
	_, reply, err := decodeReply([]byte(`{"id":"1","err":{"message":"handler crashed"},"isDisposed":true}`))
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.Equal(t, csvdata.CodeInternal, reply.Code)
	assert.Equal(t, "handler crashed", reply.Message)

	_, _, err = decodeReply([]byte(`{"id":"1","isDisposed":true}`))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// AMQPPublisher owner loop
// ---------------------------------------------------------------------------

func TestAMQPPublisherRoundTrip(t *testing.T) {
	ch := &loopbackChannel{
		replies: make(chan amqp.Delivery),
		respond: func(stage Stage, data json.RawMessage) (Reply, bool) {
			var env RecordEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				return Reply{}, false
			}
			return Reply{Status: StatusSuccess, Message: stage.String() + ":" + env.Record.Code}, true
		},
	}
	p := startPublisher(t, ch, time.Second)

	var wg sync.WaitGroup
	codes := []string{"A", "B", "C", "D"}
	got := make([]string, len(codes))
	for i, code := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := p.Publish(context.Background(), StageSave,
				RecordEnvelope{Record: &csvdata.Record{Code: code}, OwnerID: "u1"})
			assert.NoError(t, err)
			got[i] = reply.Message
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"save:A", "save:B", "save:C", "save:D"}, got)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.published, 4)
	for i, msg := range ch.published {
		assert.Equal(t, "csv.save", ch.keys[i])
		assert.Equal(t, "amq.gen-reply", msg.ReplyTo)
		assert.NotEmpty(t, msg.CorrelationId)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	}
}

func TestAMQPPublisherReplyTimeout(t *testing.T) {
	ch := &loopbackChannel{
		replies: make(chan amqp.Delivery),
		respond: func(Stage, json.RawMessage) (Reply, bool) { return Reply{}, false },
	}
	p := startPublisher(t, ch, 20*time.Millisecond)

	_, err := p.Publish(context.Background(), StageUpload, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	assert.True(t, errors.Is(err, ErrReplyTimeout), "got %v", err)
}

func TestAMQPPublisherProcessWaitsLongerThanSave(t *testing.T) {
	ch := &loopbackChannel{
		replies: make(chan amqp.Delivery, 4),
		respond: func(stage Stage, _ json.RawMessage) (Reply, bool) {
			return Reply{Status: StatusSuccess, Message: stage.String()}, true
		},
		// A process reply arrives only after its whole fan-out, well past
		// the per-save timeout.
		delay: func(Stage) time.Duration { return 100 * time.Millisecond },
	}
	p := newAMQPPublisher(ch, "amq.gen-reply", PublisherOptions{
		QueuePrefix:         "csv",
		ReplyTimeout:        30 * time.Millisecond,
		ProcessReplyTimeout: 2 * time.Second,
	})
	go p.run(ch.replies, nil)
	t.Cleanup(func() { _ = p.Close() })

	reply, err := p.Publish(context.Background(), StageProcess, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "process", reply.Message)

	_, err = p.Publish(context.Background(), StageSave,
		RecordEnvelope{Record: &csvdata.Record{Code: "A"}, OwnerID: "u1"})
	assert.True(t, errors.Is(err, ErrReplyTimeout), "got %v", err)
}

func TestPublisherStageTimeouts(t *testing.T) {
	p := newAMQPPublisher(nil, "q", PublisherOptions{ReplyTimeout: time.Second})
	assert.Equal(t, time.Second, p.timeoutFor(StageSave))
	assert.Equal(t, time.Second, p.timeoutFor(StageUpload))
	assert.Equal(t, DefaultProcessReplyTimeout, p.timeoutFor(StageProcess))

	p = newAMQPPublisher(nil, "q", PublisherOptions{ReplyTimeout: time.Minute, ProcessReplyTimeout: time.Second})
	assert.Equal(t, time.Minute, p.timeoutFor(StageProcess))
}

func TestAMQPPublisherPublishError(t *testing.T) {
	ch := &loopbackChannel{
		replies: make(chan amqp.Delivery),
		err:     amqp.ErrClosed,
	}
	p := startPublisher(t, ch, time.Second)

	_, err := p.Publish(context.Background(), StageUpload, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestAMQPPublisherClosedFailsPending(t *testing.T) {
	ch := &loopbackChannel{
		replies: make(chan amqp.Delivery),
		respond: func(Stage, json.RawMessage) (Reply, bool) { return Reply{}, false },
	}
	p := newAMQPPublisher(ch, "amq.gen-reply", PublisherOptions{QueuePrefix: "csv", ReplyTimeout: time.Minute})
	go p.run(ch.replies, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Publish(context.Background(), StageUpload, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.published) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	err := <-errCh
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	_, err = p.Publish(context.Background(), StageUpload, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

// ---------------------------------------------------------------------------
// Consumer delivery handling
// ---------------------------------------------------------------------------

func TestHandleDeliveryRepliesThenAcks(t *testing.T) {
	body, err := encodeRequest("req-1", StageUpload, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	require.NoError(t, err)

	ack := &recordedAck{}
	disp := &echoDispatcher{}
	recorder := &recordingChannel{}
	handleDelivery(context.Background(), disp, recorder, StageUpload, amqp.Delivery{
		Acknowledger:  ack,
		Body:          body,
		ReplyTo:       "amq.gen-reply",
		CorrelationId: "corr-1",
	})

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, []Stage{StageUpload}, disp.got)
	require.Len(t, recorder.msgs, 1)
	assert.Equal(t, "amq.gen-reply", recorder.keys[0])
	assert.Equal(t, "corr-1", recorder.msgs[0].CorrelationId)

	id, reply, err := decodeReply(recorder.msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
	assert.True(t, reply.OK())
}

func TestHandleDeliveryRejectsGarbage(t *testing.T) {
	ack := &recordedAck{}
	disp := &echoDispatcher{}

	handleDelivery(context.Background(), disp, &recordingChannel{}, StageSave, amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not a frame"),
	})

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Empty(t, disp.got)
}

func TestHandleDeliveryRejectsWrongQueue(t *testing.T) {
	body, err := encodeRequest("req-1", StageUpload, FileEnvelope{Content: "QQ==", OwnerID: "u1"})
	require.NoError(t, err)
	ack := &recordedAck{}
	disp := &echoDispatcher{}

	handleDelivery(context.Background(), disp, &recordingChannel{}, StageSave, amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
	})

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Empty(t, disp.got)
}

func TestHandleDeliveryRequeuesOnReplyFailure(t *testing.T) {
	body, err := encodeRequest("req-1", StageSave, RecordEnvelope{Record: &csvdata.Record{Code: "A"}, OwnerID: "u1"})
	require.NoError(t, err)
	ack := &recordedAck{}

	handleDelivery(context.Background(), &echoDispatcher{}, &recordingChannel{err: amqp.ErrClosed}, StageSave, amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		ReplyTo:      "amq.gen-reply",
	})

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

type recordingChannel struct {
	msgs []amqp.Publishing
	keys []string
	err  error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	c.keys = append(c.keys, key)
	return nil
}

func TestHeaderCarrierPropagation(t *testing.T) {
	h := amqp.Table{}
	c := headerCarrier(h)
	c.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}
