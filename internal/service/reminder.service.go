package service

import (
	"context"
	"math"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/repository"
	"approval-service/pkg/id"
	"approval-service/pkg/template"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	remindersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approval_reminders_fired_total",
		Help: "Reminders dispatched by the sweep",
	})
	sweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approval_sweep_errors_total",
		Help: "Per-token errors during reminder sweeps",
	})
)

type ReminderService struct {
	tokens     repository.TokenRepository
	executions repository.ExecutionRepository
	deliveries repository.DeliveryRepository
	dispatcher Dispatcher
	logger     *zap.Logger
	// thresholds are lead times before expiry, largest first.
	thresholds []time.Duration
}

func NewReminderService(
	tokens repository.TokenRepository,
	executions repository.ExecutionRepository,
	deliveries repository.DeliveryRepository,
	dispatcher Dispatcher,
	logger *zap.Logger,
	thresholds []time.Duration,
) *ReminderService {
	return &ReminderService{
		tokens:     tokens,
		executions: executions,
		deliveries: deliveries,
		dispatcher: dispatcher,
		logger:     logger,
		thresholds: thresholds,
	}
}

type ReminderFired struct {
	TokenID        string `json:"token_id"`
	ExecutionID    string `json:"execution_id"`
	Threshold      string `json:"threshold"`
	HoursRemaining int    `json:"hours_remaining"`
}

// SweepDueReminders scans unresolved, unexpired tokens and fires at most one
// reminder per (token, threshold) pair. The check-and-send is idempotent
// against re-invocation within a threshold window, and the token's decision
// is re-read immediately before dispatch so a concurrently resolved token
// never receives a reminder.
func (s *ReminderService) SweepDueReminders(ctx context.Context, now time.Time) ([]ReminderFired, error) {
	unresolved, err := s.tokens.ListUnresolved(ctx, now)
	if err != nil {
		return nil, err
	}

	var fired []ReminderFired
	for _, token := range unresolved {
		remaining := token.ExpiresAt.Sub(now)
		threshold, ok := s.dueThreshold(remaining)
		if !ok {
			continue
		}
		label := ThresholdLabel(threshold)

		already, err := s.deliveries.HasReminder(ctx, token.ID, label)
		if err != nil {
			sweepErrors.Inc()
			s.logger.Warn("reminder dedupe lookup failed",
				zap.String("token_id", token.ID),
				zap.Error(err))
			continue
		}
		if already {
			continue
		}

		// re-check right before dispatch: the decision CAS is authoritative
		fresh, err := s.tokens.GetByID(ctx, token.ID)
		if err != nil {
			sweepErrors.Inc()
			continue
		}
		if fresh.Resolved() || fresh.ExpiredAt(now) {
			continue
		}

		exec, err := s.executions.GetByID(ctx, token.ExecutionID)
		if err != nil {
			sweepErrors.Inc()
			s.logger.Warn("execution lookup during sweep failed",
				zap.String("execution_id", token.ExecutionID),
				zap.Error(err))
			continue
		}

		hours := int(math.Ceil(remaining.Hours()))
		_, err = s.dispatcher.Dispatch(ctx, token, exec, template.KindReminder, map[string]any{
			"HoursRemaining": hours,
			"Threshold":      label,
		})
		if err != nil {
			sweepErrors.Inc()
			continue
		}

		remindersFired.Inc()
		fired = append(fired, ReminderFired{
			TokenID:        token.ID,
			ExecutionID:    token.ExecutionID,
			Threshold:      label,
			HoursRemaining: hours,
		})
	}

	s.sweepExpired(ctx, now)

	return fired, nil
}

// dueThreshold picks the most imminent crossed threshold. After downtime a
// token may have crossed several; only the tightest one fires, the stale
// larger ones are skipped rather than flooding the recipient.
func (s *ReminderService) dueThreshold(remaining time.Duration) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, th := range s.thresholds {
		if remaining <= th && (!found || th < best) {
			best = th
			found = true
		}
	}
	return best, found
}

// sweepExpired records an expired event for unresolved tokens whose lead
// time ran out, so expiry shows up in the audit trail without waiting for a
// decision attempt to observe it.
func (s *ReminderService) sweepExpired(ctx context.Context, now time.Time) {
	expired, err := s.tokens.ListExpiredUnresolved(ctx, now)
	if err != nil {
		s.logger.Warn("expired token scan failed", zap.Error(err))
		return
	}
	for _, token := range expired {
		logged, err := s.deliveries.HasEvent(ctx, token.ID, domain.EventExpired)
		if err != nil || logged {
			continue
		}
		entry := &domain.DeliveryLogEntry{
			ID:        id.GenerateULID("dlv"),
			TokenID:   token.ID,
			EventType: domain.EventExpired,
			EventData: map[string]interface{}{"observed_by": "sweep"},
			CreatedAt: now,
		}
		if err := s.deliveries.Append(ctx, entry); err != nil {
			s.logger.Warn("expiry log append failed",
				zap.String("token_id", token.ID),
				zap.Error(err))
		}
	}
}
