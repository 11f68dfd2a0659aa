package service

import (
	"context"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/repository"
)

// AnalyticsService answers the read-only operator queries: workflow funnel
// counts over a date range and per-execution approval status. Everything is
// computed from approval_tokens and delivery_log rows, nothing is stored.
type AnalyticsService struct {
	tokens     repository.TokenRepository
	deliveries repository.DeliveryRepository
	now        func() time.Time
}

func NewAnalyticsService(tokens repository.TokenRepository, deliveries repository.DeliveryRepository) *AnalyticsService {
	return &AnalyticsService{
		tokens:     tokens,
		deliveries: deliveries,
		now:        time.Now,
	}
}

type FunnelReport struct {
	Issued    int `json:"issued"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Expired   int `json:"expired"`
	// AvgTimeToDecisionSeconds is zero when nothing was decided in range.
	AvgTimeToDecisionSeconds float64 `json:"avg_time_to_decision_seconds"`
}

func (s *AnalyticsService) Funnel(ctx context.Context, from, to time.Time) (*FunnelReport, error) {
	issued, err := s.tokens.CountIssued(ctx, from, to)
	if err != nil {
		return nil, err
	}
	approved, rejected, err := s.tokens.CountDecisions(ctx, from, to)
	if err != nil {
		return nil, err
	}
	avg, err := s.tokens.AvgTimeToDecision(ctx, from, to)
	if err != nil {
		return nil, err
	}
	events, err := s.deliveries.CountEvents(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return &FunnelReport{
		Issued:                   issued,
		Sent:                     events[domain.EventSent],
		Delivered:                events[domain.EventDelivered],
		Opened:                   events[domain.EventOpened],
		Clicked:                  events[domain.EventClicked],
		Approved:                 approved,
		Rejected:                 rejected,
		Expired:                  events[domain.EventExpired],
		AvgTimeToDecisionSeconds: avg.Seconds(),
	}, nil
}

type ApprovalStatusView struct {
	Token *domain.ApprovalToken `json:"token"`
	// TokenStatus is the derived state: resolved, expired or active.
	TokenStatus domain.TokenStatus `json:"token_status"`
	// EffectiveDeliveryStatus is the latest engagement event among
	// sent/delivered/opened/clicked; the decision wins once resolved.
	EffectiveDeliveryStatus string                     `json:"effective_delivery_status"`
	Events                  []*domain.DeliveryLogEntry `json:"events"`
}

func (s *AnalyticsService) ExecutionStatus(ctx context.Context, executionID string) (*ApprovalStatusView, error) {
	token, err := s.tokens.GetLatestByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := s.deliveries.ListByToken(ctx, token.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	view := &ApprovalStatusView{
		Token:       token,
		TokenStatus: token.StatusAt(now),
		Events:      events,
	}
	view.EffectiveDeliveryStatus = effectiveDeliveryStatus(token, events)
	return view, nil
}

func effectiveDeliveryStatus(token *domain.ApprovalToken, events []*domain.DeliveryLogEntry) string {
	if token.Resolved() {
		return string(token.Decision)
	}
	// events are ordered by created_at; keep the last engagement event
	latest := ""
	for _, e := range events {
		for _, et := range domain.EngagementEvents {
			if e.EventType == et {
				latest = string(e.EventType)
			}
		}
	}
	return latest
}
