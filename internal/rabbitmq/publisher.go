// Package rabbitmq is the alternate outbox broker: a topic exchange with
// publisher confirms.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const HeaderCorrelationKey = "correlation-key"

var ErrNacked = errors.New("rabbitmq: publish nacked by broker")

// confirmation is a pending publisher confirm (*amqp.DeferredConfirmation).
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// channel is one connection plus its confirm-mode channel.
type channel interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(url, exchange string) (channel, error)

// Publisher publishes to one exchange with the event type as routing key.
// A closed connection is re-dialed on the next Publish, so the outbox retry
// that follows a broker restart can succeed.
type Publisher struct {
	url      string
	exchange string
	dial     dialFunc

	mu sync.Mutex
	ch channel
}

// Dial connects, declares the durable topic exchange and enables confirms.
func Dial(url, exchange string) (*Publisher, error) {
	return newPublisher(url, exchange, dialChannel)
}

func newPublisher(url, exchange string, dial dialFunc) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, dial: dial}
	ch, err := dial(url, exchange)
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return p, nil
}

// Publish returns nil only after the broker confirmed the message.
func (p *Publisher) Publish(ctx context.Context, partitionKey, idempotencyKey, eventType string, payload []byte) error {
	ch, err := p.current()
	if err != nil {
		return err
	}

	p.mu.Lock()
	confirm, err := ch.Publish(ctx, p.exchange, eventType, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    idempotencyKey,
		Type:         eventType,
		Headers:      amqp.Table{HeaderCorrelationKey: partitionKey},
		Body:         payload,
	})
	p.mu.Unlock()
	if err != nil {
		p.discard(ch, err)
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		p.discard(ch, err)
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !ok {
		// pending confirms are nacked when the channel dies
		p.discard(ch, nil)
		return ErrNacked
	}
	return nil
}

// current returns the live channel, re-dialing when the last one closed.
func (p *Publisher) current() (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	ch, err := p.dial(p.url, p.exchange)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq reconnect: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// discard drops ch when err (or its own state) says the connection is gone.
func (p *Publisher) discard(ch channel, err error) {
	if !errors.Is(err, amqp.ErrClosed) && !ch.IsClosed() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		_ = ch.Close()
		p.ch = nil
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

type amqpChannel struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialChannel(url, exchange string) (channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	return &amqpChannel{conn: conn, ch: ch}, nil
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func (c *amqpChannel) IsClosed() bool { return c.conn.IsClosed() || c.ch.IsClosed() }

func (c *amqpChannel) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
