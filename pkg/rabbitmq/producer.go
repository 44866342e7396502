/**
 * @description
 * This package provides the producer used to publish ledger events to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key.
 *
 * @notes
 * - The publishing channel runs in confirm mode. Publish only returns nil once the
 *   broker has acked the message, so callers may treat success as durable hand-off.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Message is a single publish request. ID becomes the AMQP message id so
// consumers can deduplicate redeliveries.
type Message struct {
	ID        string
	Timestamp time.Time
	Body      interface{}
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Close()
}

// LogPublisher only logs what it would publish. It is used when no broker URL is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(zap.String("component", "rabbitmq_producer"), zap.String("mode", "log_only"))}
}

func (p *LogPublisher) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	p.logger.Info("publish skipped",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", msg.ID),
	)
	return nil
}

func (p *LogPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

var (
	ErrPublishNacked  = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("publish confirmation timed out")
	ErrChannelClosed  = errors.New("channel closed before confirmation")
)

// DefaultConfirmTimeout bounds the wait for a broker ack when the caller's
// context has no earlier deadline.
const DefaultConfirmTimeout = 5 * time.Second

// confirmChannel is the part of *amqp091.Channel the producer uses.
type confirmChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
// The connection is dialed lazily and re-dialed after it drops, so a broker outage
// fails individual publishes instead of the whole process.
type EventProducer struct {
	url            string
	logger         *zap.Logger
	confirmTimeout time.Duration
	openChannel    func() (confirmChannel, error)

	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  confirmChannel
	confirms chan amqp091.Confirmation
	declared map[string]bool
}

// NewEventProducer validates the URL and returns a producer. It does not dial.
func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	p := &EventProducer{
		url:            cleanURL,
		logger:         logger.With(zap.String("component", "rabbitmq_producer")),
		confirmTimeout: DefaultConfirmTimeout,
		declared:       make(map[string]bool),
	}
	p.openChannel = p.dialChannel
	return p, nil
}

// Connect dials eagerly so startup can report an unreachable broker.
func (p *EventProducer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureChannel()
}

func (p *EventProducer) dialChannel() (confirmChannel, error) {
	if p.conn == nil || p.conn.IsClosed() {
		// Use a bounded dial timeout so a dead broker does not stall the dispatcher
		conn, err := amqp091.DialConfig(p.url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
		if err != nil {
			return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (p *EventProducer) ensureChannel() error {
	if p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	ch, err := p.openChannel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	// Publishes are serialized under mu, so at most one confirmation is outstanding.
	p.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	p.declared[exchange] = true
	return nil
}

func (p *EventProducer) publishOnce(ctx context.Context, exchange, routingKey string, publishing amqp091.Publishing) error {
	if err := p.ensureChannel(); err != nil {
		return err
	}
	if err := p.declareExchange(exchange); err != nil {
		return err
	}
	if err := p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		publishing,
	); err != nil {
		return err
	}
	return p.waitForConfirm(ctx)
}

func (p *EventProducer) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirmation: %w", ctx.Err())
	}
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	jsonBody, err := json.Marshal(msg.Body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID,
		Timestamp:    timestamp,
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishOnce(ctx, exchange, routingKey, publishing)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", msg.ID),
		zap.Error(err),
	)
	// One-shot retry on a fresh channel. A late ack on the old channel can no
	// longer be mistaken for this message's confirmation.
	p.resetChannel()
	if ctx.Err() != nil {
		return err
	}
	return p.publishOnce(ctx, exchange, routingKey, publishing)
}

func (p *EventProducer) resetChannel() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	p.confirms = nil
	p.declared = make(map[string]bool)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetChannel()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
