package relay

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ErrUnavailable means the broker could not accept or answer a request.
var ErrUnavailable = errors.New("relay unavailable")

// InprocPublisher delivers requests to a Dispatcher in the calling goroutine.
// Envelopes and replies go through the same wire framing as AMQP, so a
// handler sees identical bytes on both transports.
type InprocPublisher struct {
	d Dispatcher
}

// NewInprocPublisher returns an unbound publisher. Call Bind before the first
// Publish; the handler usually needs the publisher first, hence the two steps.
func NewInprocPublisher() *InprocPublisher {
	return &InprocPublisher{}
}

// Bind sets the dispatcher every request is delivered to.
func (p *InprocPublisher) Bind(d Dispatcher) {
	p.d = d
}

// Publish implements Publisher.
func (p *InprocPublisher) Publish(ctx context.Context, stage Stage, env any) (Reply, error) {
	if p.d == nil {
		return Reply{}, errors.Wrap(ErrUnavailable, "inproc publisher not bound")
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, errors.Wrap(err, "publish")
	}

	id := uuid.NewString()
	body, err := encodeRequest(id, stage, env)
	if err != nil {
		return Reply{}, err
	}
	frame, routed, err := decodeRequest(body)
	if err != nil {
		return Reply{}, err
	}

	reply := p.d.Dispatch(ctx, routed, frame.Data)

	out, err := encodeReply(frame.ID, reply)
	if err != nil {
		return Reply{}, err
	}
	_, decoded, err := decodeReply(out)
	if err != nil {
		return Reply{}, err
	}
	return decoded, nil
}
