// Package queue moves triage work through RabbitMQ. A Broker owns the AMQP
// connection, a Consumer runs a bounded pool of workers over deliveries, and
// a Locker keeps two workers from processing the same message at once.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Task asks a worker to run the triage pipeline over one stored message.
type Task struct {
	MessageID  string    `json:"message_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Broker is a connection to RabbitMQ with one channel and a durable work queue
// that dead-letters to <queue>.dlq.
type Broker struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// Dial connects to url and declares the work queue and its dead-letter queue.
func Dial(url, queue string, prefetch int) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return &Broker{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue publishes a persistent task to the work queue.
func (b *Broker) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    t.MessageID,
		Timestamp:    t.EnqueuedAt,
		Body:         body,
	})
}

// Deliveries registers a manual-ack consumer on the work queue.
func (b *Broker) Deliveries(consumer string) (<-chan amqp.Delivery, error) {
	d, err := b.ch.Consume(b.queue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}
	return d, nil
}

// Healthy reports whether the connection is still open.
func (b *Broker) Healthy() bool {
	return b.conn != nil && !b.conn.IsClosed()
}

// Close closes the channel and connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
