package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/rate"
	"approval-service/internal/repository"
	"approval-service/pkg/id"
	"approval-service/pkg/template"
	"approval-service/pkg/xerrors"

	"go.uber.org/zap"
)

type IssuerService struct {
	tokens     repository.TokenRepository
	executions repository.ExecutionRepository
	deliveries repository.DeliveryRepository
	dispatcher Dispatcher
	limiter    *rate.Limiter
	sf         *id.Snowflake
	logger     *zap.Logger
	leadTime   time.Duration
	thresholds []time.Duration
	now        func() time.Time
}

func NewIssuerService(
	tokens repository.TokenRepository,
	executions repository.ExecutionRepository,
	deliveries repository.DeliveryRepository,
	dispatcher Dispatcher,
	limiter *rate.Limiter,
	sf *id.Snowflake,
	logger *zap.Logger,
	leadTime time.Duration,
	thresholds []time.Duration,
) *IssuerService {
	return &IssuerService{
		tokens:     tokens,
		executions: executions,
		deliveries: deliveries,
		dispatcher: dispatcher,
		limiter:    limiter,
		sf:         sf,
		logger:     logger,
		leadTime:   leadTime,
		thresholds: thresholds,
		now:        time.Now,
	}
}

type IssueResult struct {
	Token *domain.ApprovalToken `json:"token"`
	// NotificationSent is false when the token was persisted but the
	// initial email could not be confirmed sent.
	NotificationSent bool `json:"notification_sent"`
}

// IssueToken creates a fresh approval token for a pending execution and
// triggers the initial approval email. Issuing again for the same execution
// does not revoke an outstanding token; callers wanting single-active-token
// semantics should check HasActiveToken first.
func (s *IssuerService) IssueToken(ctx context.Context, executionID string, leadTime time.Duration) (*IssueResult, error) {
	if s.limiter != nil {
		if err := s.limiter.CanIssue(ctx, executionID); err != nil {
			return nil, err
		}
	}

	exec, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != domain.ExecutionPending {
		return nil, xerrors.ErrInvalidExecutionState
	}

	if leadTime <= 0 {
		leadTime = s.leadTime
	}

	now := s.now()
	token := &domain.ApprovalToken{
		ID:          s.sf.Generate(),
		ExecutionID: executionID,
		Secret:      randomSecret(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(leadTime),
		Decision:    domain.DecisionUnset,
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		// secret carries a unique index; retry once on collision
		if xerrors.IsUniqueViolation(err) {
			token.Secret = randomSecret()
			err = s.tokens.Create(ctx, token)
		}
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("approval token issued",
		zap.String("token_id", token.ID),
		zap.String("execution_id", executionID),
		zap.Time("expires_at", token.ExpiresAt))

	s.scheduleReminders(ctx, token)

	sent := true
	if _, err := s.dispatcher.Dispatch(ctx, token, exec, template.KindApprovalRequest, nil); err != nil {
		sent = false
	}

	return &IssueResult{Token: token, NotificationSent: sent}, nil
}

// scheduleReminders records the reminder plan so operators can see what is
// coming. The sweep itself derives due thresholds from the token row.
func (s *IssuerService) scheduleReminders(ctx context.Context, token *domain.ApprovalToken) {
	if len(s.thresholds) == 0 {
		return
	}
	labels := make([]interface{}, 0, len(s.thresholds))
	for _, th := range s.thresholds {
		labels = append(labels, ThresholdLabel(th))
	}
	entry := &domain.DeliveryLogEntry{
		ID:        id.GenerateULID("dlv"),
		TokenID:   token.ID,
		EventType: domain.EventReminderScheduled,
		EventData: map[string]interface{}{"thresholds": labels},
		CreatedAt: s.now(),
	}
	if err := s.deliveries.Append(ctx, entry); err != nil {
		s.logger.Warn("reminder schedule log failed",
			zap.String("token_id", token.ID),
			zap.Error(err))
	}
}

func (s *IssuerService) HasActiveToken(ctx context.Context, executionID string) (bool, error) {
	return s.tokens.HasActiveToken(ctx, executionID, s.now())
}

// Resend re-dispatches the approval email on the active token when one
// exists, otherwise issues a fresh token. Mirrors the "send again" action.
func (s *IssuerService) Resend(ctx context.Context, executionID string) (*IssueResult, error) {
	token, err := s.tokens.GetActiveByExecution(ctx, executionID, s.now())
	if err != nil {
		if errors.Is(err, xerrors.ErrTokenNotFound) {
			return s.IssueToken(ctx, executionID, 0)
		}
		return nil, err
	}

	if s.limiter != nil {
		if err := s.limiter.CanIssue(ctx, executionID); err != nil {
			return nil, err
		}
	}

	exec, err := s.executions.GetByID(ctx, token.ExecutionID)
	if err != nil {
		return nil, err
	}

	sent := true
	if _, err := s.dispatcher.Dispatch(ctx, token, exec, template.KindApprovalRequest, nil); err != nil {
		sent = false
	}
	return &IssueResult{Token: token, NotificationSent: sent}, nil
}

// Revoke force-expires an unresolved token so its link is no longer
// honored. Returns false when the token had already been decided.
func (s *IssuerService) Revoke(ctx context.Context, tokenID string) (bool, error) {
	now := s.now()
	ok, err := s.tokens.ExpireNow(ctx, tokenID, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	entry := &domain.DeliveryLogEntry{
		ID:        id.GenerateULID("dlv"),
		TokenID:   tokenID,
		EventType: domain.EventExpired,
		EventData: map[string]interface{}{"reason": "revoked"},
		CreatedAt: now,
	}
	if err := s.deliveries.Append(ctx, entry); err != nil {
		s.logger.Warn("revocation log failed",
			zap.String("token_id", tokenID),
			zap.Error(err))
	}
	return true, nil
}

// ThresholdLabel names a reminder lead-time threshold, e.g. "24h" or "90m".
func ThresholdLabel(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return d.String()
}
