package publisher

import (
	"context"
	"encoding/json"
	"time"

	"approval-service/internal/domain"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// FulfillmentMessage is the handoff record consumed by the fulfillment
// pipeline. Messages are keyed by execution id so redelivery stays
// idempotent on the consumer side; MessageID identifies the individual
// publish for tracing.
type FulfillmentMessage struct {
	MessageID   string                 `json:"message_id,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	Status      domain.ExecutionStatus `json:"status"`
	DecidedAt   time.Time              `json:"decided_at"`
	DecidedVia  string                 `json:"decided_via"`
}

type FulfillmentPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewFulfillmentPublisher(brokers []string, topic string, logger *zap.Logger) *FulfillmentPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
	}
	return &FulfillmentPublisher{writer: w, logger: logger}
}

func (p *FulfillmentPublisher) Publish(ctx context.Context, m FulfillmentMessage) error {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.ExecutionID),
		Value: payload,
	})
	if err != nil {
		p.logger.Error("fulfillment publish failed",
			zap.String("execution_id", m.ExecutionID),
			zap.Error(err))
		return err
	}

	p.logger.Info("fulfillment handoff published",
		zap.String("execution_id", m.ExecutionID),
		zap.String("status", string(m.Status)))
	return nil
}

func (p *FulfillmentPublisher) Close() error {
	return p.writer.Close()
}
