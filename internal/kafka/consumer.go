package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"ms-reservation/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message. Returning a *DecodeError dead-letters the
// message; any other error is logged. The offset is committed either way.
type Handler func(ctx context.Context, msg kafka.Message) error

// DecodeError marks a message that can never be processed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode message: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) (bool, error)
}

type Consumer struct {
	reader  MessageReader
	topic   string
	handler Handler
	dlq     *Producer
	idem    Deduper
	log     *logger.Logger
}

// NewConsumer creates a consumer-group reader for topic.
func NewConsumer(brokers []string, topic, groupID string, handler Handler, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,
	})
	return NewConsumerWithReader(reader, topic, handler, log)
}

func NewConsumerWithReader(reader MessageReader, topic string, handler Handler, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Discard()
	}
	return &Consumer{reader: reader, topic: topic, handler: handler, log: log}
}

// WithDeadLetter sends undecodable messages to <topic>.dlq through p.
func (c *Consumer) WithDeadLetter(p *Producer) *Consumer {
	c.dlq = p
	return c
}

// WithDeduper skips messages whose offset was already handled.
func (c *Consumer) WithDeduper(d Deduper) *Consumer {
	c.idem = d
	return c
}

func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// Run consumes until ctx is done or the reader is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.LogKafka("CONSUME", c.topic, "Consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.LogKafka("CONSUME", c.topic, "Consumer stopped")
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error fetching from %s: %v", c.topic, err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	key := ""
	if c.idem != nil {
		key = c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Idempotency check failed for %s, processing anyway: %v", key, err))
		} else if seen {
			c.log.Debug("KAFKA", fmt.Sprintf("Duplicate message skipped: %s", key))
			c.commit(ctx, msg)
			return
		}
	}

	err := c.handler(ctx, msg)
	var decodeErr *DecodeError
	switch {
	case errors.As(err, &decodeErr):
		c.deadLetter(ctx, msg, decodeErr)
	case err != nil:
		c.log.Error("KAFKA", fmt.Sprintf("Handler failed for %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err))
	}

	if key != "" {
		if _, err := c.idem.Mark(ctx, key); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Failed to mark %s handled: %v", key, err))
		}
	}
	c.commit(ctx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	c.log.Warn("KAFKA", fmt.Sprintf("Dead-lettering %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, cause))
	if c.dlq == nil {
		return
	}
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
		kafka.Header{Key: "x-original-topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "x-original-offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
	)
	if err := c.dlq.Publish(ctx, DeadLetterTopic(msg.Topic), string(msg.Key), msg.Value, headers...); err != nil {
		c.log.Error("KAFKA", fmt.Sprintf("Failed to dead-letter %s@%d: %v", msg.Topic, msg.Offset, err))
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.log.Error("KAFKA", fmt.Sprintf("Failed to commit %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
