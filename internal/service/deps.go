package service

import (
	"context"

	"approval-service/internal/domain"
	"approval-service/internal/publisher"
)

// Dispatcher is the notification boundary. Sends are best-effort relative
// to workflow correctness; a failed dispatch never blocks a state change.
type Dispatcher interface {
	Dispatch(ctx context.Context, token *domain.ApprovalToken, exec *domain.ExecutionRecord, kind string, extra map[string]any) (*domain.DeliveryLogEntry, error)
}

// Publisher hands approved executions to the fulfillment pipeline.
type Publisher interface {
	Publish(ctx context.Context, m publisher.FulfillmentMessage) error
}
