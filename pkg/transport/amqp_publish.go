package transport

import (
	"context"
	"errors"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errPublisherClosed = errors.New("publisher closed")

// confirmPublisher publishes over confirm-mode channels of one connection.
// At most size channels are open; slots holds one token per open channel.
type confirmPublisher struct {
	conn   *amqp.Connection
	idle   chan *amqp.Channel
	slots  chan struct{}
	closed atomic.Bool
}

func newConfirmPublisher(conn *amqp.Connection, size int) *confirmPublisher {
	if size <= 0 {
		size = 2
	}
	return &confirmPublisher{
		conn:  conn,
		idle:  make(chan *amqp.Channel, size),
		slots: make(chan struct{}, size),
	}
}

// publish sends msg and returns the pending broker confirmation.
func (p *confirmPublisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	ch, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(ch)
	return ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
}

func (p *confirmPublisher) acquire(ctx context.Context) (*amqp.Channel, error) {
	for {
		if p.closed.Load() {
			return nil, errPublisherClosed
		}
		// prefer an idle channel over opening another
		select {
		case ch := <-p.idle:
			if p.usable(ch) {
				return ch, nil
			}
			continue
		default:
		}

		select {
		case ch := <-p.idle:
			if p.usable(ch) {
				return ch, nil
			}
		case p.slots <- struct{}{}:
			ch, err := p.open()
			if err != nil {
				<-p.slots
				return nil, err
			}
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// usable reports whether ch can publish; a dead channel gives back its slot.
func (p *confirmPublisher) usable(ch *amqp.Channel) bool {
	if !ch.IsClosed() {
		return true
	}
	<-p.slots
	return false
}

func (p *confirmPublisher) release(ch *amqp.Channel) {
	if p.closed.Load() || ch.IsClosed() {
		_ = closeChannel(ch)
		<-p.slots
		return
	}
	p.idle <- ch
}

func (p *confirmPublisher) open() (*amqp.Channel, error) {
	if p.conn.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = closeChannel(ch)
		return nil, err
	}
	return ch, nil
}

// close releases idle channels. Borrowed ones are closed on release.
func (p *confirmPublisher) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case ch := <-p.idle:
			_ = closeChannel(ch)
			<-p.slots
		default:
			return
		}
	}
}

func closeChannel(ch *amqp.Channel) error {
	if ch == nil {
		return nil
	}
	defer func() { _ = recover() }()
	return ch.Close()
}
