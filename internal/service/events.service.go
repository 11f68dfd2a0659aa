package service

import (
	"context"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/repository"
	"approval-service/pkg/id"
	"approval-service/pkg/xerrors"

	"go.uber.org/zap"
)

// Deduper remembers provider event ids so replayed callbacks are dropped.
type Deduper interface {
	SetNX(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) (bool, error)
}

// EventsService ingests delivery-provider callbacks (delivered, opened,
// clicked). These are audit appends only; they never touch the decision.
type EventsService struct {
	tokens     repository.TokenRepository
	deliveries repository.DeliveryRepository
	deduper    Deduper
	logger     *zap.Logger
	now        func() time.Time
}

func NewEventsService(tokens repository.TokenRepository, deliveries repository.DeliveryRepository, deduper Deduper, logger *zap.Logger) *EventsService {
	return &EventsService{
		tokens:     tokens,
		deliveries: deliveries,
		deduper:    deduper,
		logger:     logger,
		now:        time.Now,
	}
}

var callbackEvents = map[domain.EventType]bool{
	domain.EventDelivered: true,
	domain.EventOpened:    true,
	domain.EventClicked:   true,
}

// RecordProviderEvent appends one callback event for the token identified
// by its secret. Duplicate provider event ids are acknowledged without a
// second append.
func (s *EventsService) RecordProviderEvent(ctx context.Context, secret, providerEventID string, eventType domain.EventType, data map[string]interface{}) (*domain.DeliveryLogEntry, error) {
	if !callbackEvents[eventType] {
		return nil, xerrors.ErrInvalidRequest
	}

	token, err := s.tokens.GetBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}

	if s.deduper != nil && providerEventID != "" {
		fresh, err := s.deduper.SetNX(ctx, "provider_events", providerEventID, "1", 72*time.Hour)
		if err != nil {
			s.logger.Warn("callback dedupe failed, accepting event",
				zap.String("event_id", providerEventID),
				zap.Error(err))
		} else if !fresh {
			return nil, nil
		}
	}

	if data == nil {
		data = map[string]interface{}{}
	}
	if providerEventID != "" {
		data["provider_event_id"] = providerEventID
	}

	entry := &domain.DeliveryLogEntry{
		ID:        id.GenerateULID("dlv"),
		TokenID:   token.ID,
		EventType: eventType,
		EventData: data,
		CreatedAt: s.now(),
	}
	if err := s.deliveries.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
