package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// Channel is the subset of *amqp.Channel the queue uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPQueue publishes JSON payloads to a topic exchange. Subscribers consume
// from one durable queue per topic binding and receive the raw body as []byte.
type AMQPQueue struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         Channel
	exchange   string
	queue      string
	maxRetries int
	log        *slog.Logger
}

var _ Queue = (*AMQPQueue)(nil)

// DialAMQP connects to the broker at url and declares the exchange.
func DialAMQP(url, name string, log *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := NewAMQPQueue(ch, name, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// NewAMQPQueue declares a durable topic exchange called name on ch.
func NewAMQPQueue(ch Channel, name string, log *slog.Logger) (*AMQPQueue, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPQueue{ch: ch, exchange: name, queue: name, maxRetries: 3, log: log}, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish(q.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
}

// Subscribe binds a durable queue to topic and runs handler for each delivery.
// A failed delivery is republished with an incremented retry header until the
// retry budget is spent, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	name := q.queue + "." + topic
	if topic == TopicAll {
		name = q.queue + ".all"
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := q.ch.QueueBind(name, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := q.ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go q.consume(msgs, handler)
	return nil
}

func (q *AMQPQueue) consume(msgs <-chan amqp.Delivery, handler func(payload any) error) {
	for d := range msgs {
		err := handler(d.Body)
		if err == nil {
			_ = d.Ack(false)
			continue
		}

		retries := retryCount(d.Headers)
		if int(retries) < q.maxRetries {
			q.log.Warn("⚠️ Delivery failed, requeueing", "topic", d.RoutingKey, "attempt", retries+1, "error", err)
			if perr := q.publish(d.RoutingKey, d.Body, retries+1); perr != nil {
				_ = d.Nack(false, true)
				continue
			}
		} else {
			q.log.Error("❌ Delivery dropped after retries", "topic", d.RoutingKey, "error", err)
		}
		_ = d.Ack(false)
	}
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
