package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	Logger *logger.Logger
}

// NewProducer returns a producer whose writer picks the topic per message.
// Messages with the same key land on the same partition.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Producer{Writer: writer, Logger: log}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if p.Logger != nil {
		p.Logger.Debug("KAFKA", fmt.Sprintf("[PUBLISH] %s key=%s (%d bytes)", topic, key, len(value)))
	}
	return nil
}

func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, value)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// ReservationEvents publishes reservation lifecycle events keyed by
// reservation id.
type ReservationEvents struct {
	Producer *Producer
	Topic    string
}

func (e *ReservationEvents) PublishReservationEvent(ctx context.Context, ev models.ReservationEvent) error {
	return e.Producer.PublishJSON(ctx, e.Topic, ev.ReservationID, ev)
}

// CheckoutEvents forwards verified webhook events to the checkout topic,
// keyed by session id so redeliveries for one session stay ordered.
type CheckoutEvents struct {
	Producer *Producer
	Topic    string
}

func (e *CheckoutEvents) PublishCheckoutEvent(ctx context.Context, ev models.CheckoutSessionEvent) error {
	return e.Producer.PublishJSON(ctx, e.Topic, ev.SessionID, ev)
}
