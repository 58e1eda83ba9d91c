package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"auth-service/internal/domain"
)

// ErrPublishFailed is returned when an event could not be delivered within
// the configured retry budget. Callers treat it as non-fatal.
var ErrPublishFailed = errors.New("publish failed")

const typeUserCreated = "user.created"

// Publisher delivers domain events to a broker topic, best effort.
type Publisher interface {
	PublishUserCreated(ctx context.Context, evt domain.UserCreatedEvent) error
}

// envelope is the wire shape of a published event.
type envelope struct {
	EventID   string                  `json:"event_id"`
	EventType string                  `json:"event_type"`
	Timestamp time.Time               `json:"timestamp"`
	Data      domain.UserCreatedEvent `json:"data"`
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes JSON event envelopes to a Kafka topic. The
// underlying writer is safe for concurrent use; one publisher serves the
// whole process.
type KafkaPublisher struct {
	writer     messageWriter
	timeout    time.Duration
	maxRetries uint64
	logger     *logrus.Logger
}

// Config controls publish behavior. MaxRetries is the number of additional
// attempts after the first (capped at 3); Timeout bounds each publish call
// end to end.
type Config struct {
	Brokers    []string
	Topic      string
	Timeout    time.Duration
	MaxRetries int
}

func NewKafkaPublisher(cfg Config, logger *logrus.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer, cfg, logger)
}

func newKafkaPublisher(writer messageWriter, cfg Config, logger *logrus.Logger) *KafkaPublisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > 3 {
		retries = 3
	}
	return &KafkaPublisher{
		writer:     writer,
		timeout:    timeout,
		maxRetries: uint64(retries),
		logger:     logger,
	}
}

// PublishUserCreated sends a user.created envelope keyed by username. It
// honors the caller's deadline and its own timeout, retrying transient write
// errors within the retry budget. On terminal failure it logs and returns
// ErrPublishFailed; the registration that produced the event is already
// committed and stays committed.
func (p *KafkaPublisher) PublishUserCreated(ctx context.Context, evt domain.UserCreatedEvent) error {
	env := envelope{
		EventID:   uuid.NewString(),
		EventType: typeUserCreated,
		Timestamp: time.Now().UTC(),
		Data:      evt,
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.Username),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(p.maxRetries, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"event_id": env.EventID,
			"user_id":  evt.UserID,
		}).Warnf("publish user.created: %v", err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	p.logger.WithField("event_id", env.EventID).Debugf("published user.created for %s", evt.Username)
	return nil
}

// Close releases the underlying writer's connections.
func (p *KafkaPublisher) Close() error {
	if c, ok := p.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishUserCreated(context.Context, domain.UserCreatedEvent) error {
	return nil
}
