package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"

	"github.com/segmentio/kafka-go"
)

type SessionEventHandler interface {
	HandleEvent(ctx context.Context, ev models.CheckoutSessionEvent) (checkout.Outcome, error)
}

type CategoryApplier interface {
	Apply(ctx context.Context, ev models.CategoryEvent) error
}

// CheckoutSessionHandler feeds verified payment events into the saga.
func CheckoutSessionHandler(saga SessionEventHandler, log *logger.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev models.CheckoutSessionEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return &DecodeError{Err: err}
		}
		if ev.SessionID == "" {
			return &DecodeError{Err: fmt.Errorf("missing session id")}
		}

		outcome, err := saga.HandleEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("session %s %s: %w", ev.SessionID, ev.Type, err)
		}
		log.LogKafka("CHECKOUT", msg.Topic, fmt.Sprintf("%s %s -> %s", ev.Type, ev.SessionID, outcome))
		return nil
	}
}

// CategoryHandler keeps the local catalogue in step with upstream events.
func CategoryHandler(sync CategoryApplier, log *logger.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev models.CategoryEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return &DecodeError{Err: err}
		}
		if err := sync.Apply(ctx, ev); err != nil {
			return fmt.Errorf("category %s %s: %w", ev.CategoryID, ev.Type, err)
		}
		log.LogKafka("CATALOGUE", msg.Topic, fmt.Sprintf("%s %s applied", ev.Type, ev.CategoryID))
		return nil
	}
}
