package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultQueue = "identity.security_events"

// Channel is the part of an AMQP channel the publisher needs.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// DialFunc opens a channel to the broker.
type DialFunc func() (Channel, error)

type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

// Dial returns a DialFunc that connects to url.
func Dial(url string) DialFunc {
	return func() (Channel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, errors.Wrap(err, "dialing broker")
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "opening channel")
		}
		return &connChannel{Channel: ch, conn: conn}, nil
	}
}

// AMQPPublisher publishes events as persistent JSON messages to a durable
// queue through the default exchange. The channel is opened on first use
// and reopened after a failed publish.
type AMQPPublisher struct {
	dial  DialFunc
	queue string
	ch    Channel
	mu    sync.Mutex
}

var _ Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(dial DialFunc, queue string) *AMQPPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPPublisher{dial: dial, queue: queue}
}

func (p *AMQPPublisher) channel() (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "declaring queue %s", p.queue)
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e *SecurityEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "[AMQPPublisher.Publish] marshalling event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return errors.Wrap(err, "[AMQPPublisher.Publish]")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		_ = ch.Close()
		p.ch = nil
		return errors.Wrap(err, "[AMQPPublisher.Publish] publishing")
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
