// Package broker wraps the AMQP topology: a fanout exchange carrying
// profiling requests, a topic exchange carrying completion events keyed
// by dataset id, and a quarantine queue for poisoned messages.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Topology names. Contractual: discoverers publish to ProfileExchange
// and subscribe to DatasetsExchange by these names.
const (
	ProfileExchange  = "profile"
	DatasetsExchange = "datasets"
	ProfileQueue     = "profile"
	FailedQueue      = "failed_profile"
)

// Broker is one AMQP connection with the topology declared.
type Broker struct {
	conn *amqp.Connection
	log  *zap.SugaredLogger
}

// Connect dials the broker and declares exchanges and queues. Declaring
// is idempotent; every process declares on startup so ordering between
// services does not matter.
func Connect(url string, log *zap.SugaredLogger) (*Broker, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	b := &Broker{conn: conn, log: log}
	if err := b.declare(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Close shuts the connection and all channels on it.
func (b *Broker) Close() error {
	return b.conn.Close()
}

func (b *Broker) declare() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(ProfileExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", ProfileExchange, err)
	}
	if err := ch.ExchangeDeclare(DatasetsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", DatasetsExchange, err)
	}
	if _, err := ch.QueueDeclare(ProfileQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", ProfileQueue, err)
	}
	if err := ch.QueueBind(ProfileQueue, "", ProfileExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s: %w", ProfileQueue, err)
	}
	if _, err := ch.QueueDeclare(FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", FailedQueue, err)
	}
	return nil
}

// PublishProfile fans a profiling request out to the workers.
func (b *Broker) PublishProfile(ctx context.Context, body []byte) error {
	return b.publish(ctx, ProfileExchange, "", body)
}

// PublishDataset announces a completed profile on the datasets topic,
// keyed by dataset id.
func (b *Broker) PublishDataset(ctx context.Context, id string, body []byte) error {
	return b.publish(ctx, DatasetsExchange, id, body)
}

// Quarantine moves a poisoned message body to the failed queue.
func (b *Broker) Quarantine(ctx context.Context, body []byte) error {
	return b.publish(ctx, "", FailedQueue, body)
}

func (b *Broker) publish(ctx context.Context, exchange, key string, body []byte) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// ConsumeProfile opens a consumer on the profile queue with the given
// prefetch. The channel closes when the connection drops or ctx ends.
func (b *Broker) ConsumeProfile(ctx context.Context, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("broker: set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(ProfileQueue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("broker: consume %s: %w", ProfileQueue, err)
	}
	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	return deliveries, nil
}
