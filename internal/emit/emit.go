// Package emit provides the default ProcessUid downstream sink: it
// publishes one message per newly discovered UID to RabbitMQ so a
// separate consumer can fetch and index the body.
//
// Grounded on customeros-mailstack's services/events.RabbitMQPublisher
// (connection/channel held under a mutex, publish-with-confirm over a
// single channel, reconnect on a closed connection) but trimmed down to
// this worker's single-producer, single-queue needs: no exchange
// topology, no dead-letter queue, no opentracing — syncengine.Worker
// treats ProcessUid as an opaque collaborator, so this sink only needs
// to get one small JSON event onto one durable queue.
package emit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/vdavid/mailsync/internal/syncengine"
)

// queueName is the single durable queue newMessageEvents are published
// to. A downstream indexing consumer owns the other end.
const queueName = "mailsync.new_message"

const publishTimeout = 5 * time.Second

// newMessageEvent is the wire shape published for every newly seen UID.
type newMessageEvent struct {
	UserID    string    `json:"user_id"`
	Folder    string    `json:"folder"`
	UID       uint32    `json:"uid"`
	Timestamp time.Time `json:"timestamp"`
}

// RabbitMQSink publishes newMessageEvents to a single durable queue.
// Safe for concurrent use by multiple Worker goroutines.
type RabbitMQSink struct {
	url string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	confirm chan amqp091.Confirmation
}

// NewRabbitMQSink dials url and declares the queue eagerly so
// configuration errors surface at startup rather than on the first
// synced message.
func NewRabbitMQSink(url string) (*RabbitMQSink, error) {
	s := &RabbitMQSink{url: url}
	if err := s.ensureChannel(); err != nil {
		return nil, err
	}
	return s, nil
}

// connectLocked dials, opens a confirm-mode channel and declares the
// queue. ensureChannel calls it when the connection or channel has gone
// away. Callers must hold s.mu.
func (s *RabbitMQSink) connectLocked() error {
	conn, err := amqp091.Dial(s.url)
	if err != nil {
		return fmt.Errorf("emit: dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("emit: open channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("emit: enable publish confirms: %w", err)
	}

	_, err = channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("emit: declare queue %s: %w", queueName, err)
	}

	s.conn = conn
	s.channel = channel
	s.confirm = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	return nil
}

func (s *RabbitMQSink) ensureChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() && s.channel != nil && !s.channel.IsClosed() {
		return nil
	}
	return s.connectLocked()
}

// ProcessUid matches syncengine.ProcessUidFunc. It publishes a
// newMessageEvent for uid and waits for the broker's publish confirm.
func (s *RabbitMQSink) ProcessUid(ctx context.Context, w *syncengine.Worker, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.ensureChannel(); err != nil {
		return err
	}

	body, err := json.Marshal(newMessageEvent{
		UserID:    w.UserID(),
		Folder:    w.Folder(),
		UID:       uid,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("emit: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.Publish("", queueName, true, false, amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("emit: publish: %w", err)
	}

	select {
	case confirm := <-s.confirm:
		if !confirm.Ack {
			return errors.New("emit: message was not confirmed by broker")
		}
		return nil
	case <-time.After(publishTimeout):
		return errors.New("emit: publish confirmation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the channel and connection.
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.channel != nil {
		if cerr := s.channel.Close(); cerr != nil {
			err = cerr
		}
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
