package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Channel is the part of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue publishes JSON payloads to durable RabbitMQ queues named after the
// topic. Subscribers receive the raw message body as []byte.
type AMQPQueue struct {
	conn     *amqp.Connection
	openChan func() (Channel, error)
	logger   *zap.Logger

	mu       sync.Mutex
	pub      Channel
	declared map[string]bool
	subs     []Channel
}

func DialAMQP(url string, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	q := NewAMQPQueue(func() (Channel, error) { return conn.Channel() }, logger)
	q.conn = conn
	return q, nil
}

// NewAMQPQueue builds a queue over channels produced by open.
func NewAMQPQueue(open func() (Channel, error), logger *zap.Logger) *AMQPQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPQueue{openChan: open, logger: logger, declared: make(map[string]bool)}
}

func (q *AMQPQueue) declare(ch Channel, topic string) error {
	if q.declared[topic] {
		return nil
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, ok := payload.([]byte)
	if !ok {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode payload for %s: %w", topic, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub == nil {
		ch, err := q.openChan()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		q.pub = ch
	}
	if err := q.declare(q.pub, topic); err != nil {
		return err
	}
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Subscribe consumes topic with manual acks. A failed delivery is requeued
// once, then rejected.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	ch, err := q.openChan()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos on %s: %w", topic, err)
	}
	msgs, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()

	go q.consume(topic, msgs, handler)
	return nil
}

func (q *AMQPQueue) consume(topic string, msgs <-chan amqp.Delivery, handler func(payload any) error) {
	for d := range msgs {
		if err := handler(d.Body); err != nil {
			requeue := !d.Redelivered
			q.logger.Warn("delivery handler failed",
				zap.String("topic", topic),
				zap.Bool("requeue", requeue),
				zap.Error(err))
			if nerr := d.Nack(false, requeue); nerr != nil {
				q.logger.Error("nack failed", zap.String("topic", topic), zap.Error(nerr))
			}
			continue
		}
		if err := d.Ack(false); err != nil {
			q.logger.Error("ack failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	q.logger.Info("consumer stopped", zap.String("topic", topic))
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		_ = ch.Close()
	}
	q.subs = nil
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
