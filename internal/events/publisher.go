// Package events fans Mailpilot's webhook-dispatcher event stream out onto
// RabbitMQ as well, for consumers that prefer a queue over an HTTP
// subscription. The publisher keeps one durable connection with publisher
// confirms and a dead-letter-exchange queue topology.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

const (
	ExchangeMailpilotEvents = "mailpilot-events" // fanout
	ExchangeDeadLetter      = "mailpilot-dead-letter"

	QueueEvents = "mailpilot-events"
	DLQEvents   = QueueEvents + "-dlq"

	RoutingKeyDeadLetter = "dead-letter"

	DefaultMessageTTL          = 240 * time.Hour
	DefaultMaxRetries          = 3
	DefaultPublishTimeout      = 5 * time.Second
	DefaultReconnectBackoff    = time.Second
	DefaultMaxReconnectBackoff = 30 * time.Second
)

type PublisherConfig struct {
	MessageTTL          time.Duration
	MaxRetries          int
	PublishTimeout      time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

func defaultConfig() *PublisherConfig {
	return &PublisherConfig{
		MessageTTL:          DefaultMessageTTL,
		MaxRetries:          DefaultMaxRetries,
		PublishTimeout:      DefaultPublishTimeout,
		ReconnectBackoff:    DefaultReconnectBackoff,
		MaxReconnectBackoff: DefaultMaxReconnectBackoff,
	}
}

// Envelope is the message published for every Mailpilot event, mirroring
// the Webhook Dispatcher's payload shape plus a generated event id
// for queue-side dedup.
type Envelope struct {
	ID        string            `json:"id"`
	Event     enum.WebhookEvent `json:"event"`
	Timestamp string            `json:"timestamp"`
	Account   string            `json:"account,omitempty"`
	Data      interface{}       `json:"data,omitempty"`
}

// Publisher maintains one durable RabbitMQ connection and publish channel,
// reconnecting with exponential backoff on connection loss.
type Publisher struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	publishChannel  *amqp091.Channel
	publishMutex    sync.Mutex

	url    string
	log    logger.Logger
	confirms chan amqp091.Confirmation
	config PublisherConfig
}

func NewPublisher(url string, log logger.Logger, config *PublisherConfig) (*Publisher, error) {
	if config == nil {
		config = defaultConfig()
	}
	p := &Publisher{url: url, log: log, config: *config}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	p.connectionMutex.Lock()
	defer p.connectionMutex.Unlock()

	var err error
	p.connection, err = amqp091.Dial(p.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	if err := p.setupTopology(); err != nil {
		return errors.Wrap(err, "failed to set up exchanges and queues")
	}
	if err := p.setupPublishChannel(); err != nil {
		return errors.Wrap(err, "failed to set up publish channel")
	}

	go p.handleReconnection()
	return nil
}

func (p *Publisher) setupPublishChannel() error {
	channel, err := p.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open publish channel")
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return errors.Wrap(err, "failed to enable publisher confirms")
	}
	p.confirms = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	p.publishChannel = channel
	return nil
}

func (p *Publisher) handleReconnection() {
	backoff := p.config.ReconnectBackoff
	for {
		notifyClose := p.connection.NotifyClose(make(chan *amqp091.Error))
		err := <-notifyClose
		p.log.Warnf("rabbitmq connection closed: %v, reconnecting", err)

		for {
			if err := p.connect(); err == nil {
				p.log.Info("reconnected to rabbitmq")
				break
			} else {
				p.log.Errorf("reconnect failed: %v, retrying in %v", err, backoff)
			}
			time.Sleep(backoff)
			backoff *= 2
			if backoff > p.config.MaxReconnectBackoff {
				backoff = p.config.MaxReconnectBackoff
			}
		}
		backoff = p.config.ReconnectBackoff
	}
}

func (p *Publisher) setupTopology() error {
	channel, err := p.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open channel for topology setup")
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(ExchangeDeadLetter, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare dead letter exchange")
	}
	if err := channel.ExchangeDeclare(ExchangeMailpilotEvents, "fanout", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare events exchange")
	}

	if _, err := channel.QueueDeclare(DLQEvents, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare DLQ %s", DLQEvents)
	}
	if err := channel.QueueBind(DLQEvents, RoutingKeyDeadLetter, ExchangeDeadLetter, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind DLQ %s", DLQEvents)
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": RoutingKeyDeadLetter,
		"x-message-ttl":             int64(p.config.MessageTTL.Milliseconds()),
	}
	if _, err := channel.QueueDeclare(QueueEvents, true, false, false, false, args); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", QueueEvents)
	}
	if err := channel.QueueBind(QueueEvents, "", ExchangeMailpilotEvents, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s", QueueEvents)
	}
	return nil
}

// Publish fans event out to every QueueEvents consumer with publisher
// confirms and bounded retry.
func (p *Publisher) Publish(ctx context.Context, account string, event enum.WebhookEvent, data interface{}) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Publisher.Publish")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, account)

	envelope := Envelope{
		ID:        utils.GenerateNanoIDWithPrefix("event", 21),
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Account:   account,
		Data:      data,
	}
	tracing.LogObjectAsJson(span, "envelope", envelope)

	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if lastErr = p.publishOnce(ctx, envelope); lastErr == nil {
			return nil
		}
		p.log.Warnf("publish attempt %d failed: %v", attempt+1, lastErr)
		if attempt < p.config.MaxRetries-1 {
			time.Sleep(100 * time.Millisecond * time.Duration(attempt+1))
		}
	}
	tracing.TraceErr(span, lastErr)
	return errors.Wrap(lastErr, "failed to publish event after all retries")
}

func (p *Publisher) publishOnce(ctx context.Context, envelope Envelope) error {
	p.publishMutex.Lock()
	defer p.publishMutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := p.ensureConnectionAndChannel(); err != nil {
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope")
	}

	if err := p.publishChannel.Publish(ExchangeMailpilotEvents, "", true, false, amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	}); err != nil {
		return errors.Wrap(err, "failed to publish message")
	}

	select {
	case confirm := <-p.confirms:
		if !confirm.Ack {
			return errors.New("message was not confirmed by broker")
		}
	case <-time.After(p.config.PublishTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Publisher) ensureConnectionAndChannel() error {
	if p.connection == nil || p.connection.IsClosed() {
		if err := p.connect(); err != nil {
			return errors.Wrap(err, "failed to establish connection")
		}
	}
	if p.publishChannel == nil || p.publishChannel.IsClosed() {
		if err := p.setupPublishChannel(); err != nil {
			return errors.Wrap(err, "failed to establish channel")
		}
	}
	return nil
}

// Close gracefully shuts the publisher down.
func (p *Publisher) Close() error {
	p.connectionMutex.Lock()
	defer p.connectionMutex.Unlock()

	var err error
	if p.publishChannel != nil {
		if cerr := p.publishChannel.Close(); cerr != nil {
			p.log.Errorf("error closing publish channel: %v", cerr)
			err = cerr
		}
	}
	if p.connection != nil {
		if cerr := p.connection.Close(); cerr != nil {
			p.log.Errorf("error closing connection: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	return err
}
