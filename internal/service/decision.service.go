package service

import (
	"context"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/publisher"
	"approval-service/internal/repository"
	"approval-service/pkg/id"
	"approval-service/pkg/template"
	"approval-service/pkg/xerrors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "approval_decisions_total",
		Help: "Decision attempts by outcome",
	},
	[]string{"outcome"},
)

// Inbound link actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionReview  = "review"
)

type DecisionService struct {
	tokens     repository.TokenRepository
	executions repository.ExecutionRepository
	deliveries repository.DeliveryRepository
	dispatcher Dispatcher
	publisher  Publisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewDecisionService(
	tokens repository.TokenRepository,
	executions repository.ExecutionRepository,
	deliveries repository.DeliveryRepository,
	dispatcher Dispatcher,
	pub Publisher,
	logger *zap.Logger,
) *DecisionService {
	return &DecisionService{
		tokens:     tokens,
		executions: executions,
		deliveries: deliveries,
		dispatcher: dispatcher,
		publisher:  pub,
		logger:     logger,
		now:        time.Now,
	}
}

type DecisionResult struct {
	Decision domain.Decision `json:"decision"`
	// AlreadyDecided marks a repeat attempt; Decision then carries the
	// previously recorded outcome.
	AlreadyDecided bool                    `json:"already_decided,omitempty"`
	Token          *domain.ApprovalToken   `json:"token,omitempty"`
	Execution      *domain.ExecutionRecord `json:"execution,omitempty"`
}

// ApplyDecision validates the token and atomically records an approve or
// reject decision. The write is conditional on "decision still unset", so
// under concurrent attempts exactly one caller wins; the rest observe
// ErrAlreadyDecided together with the winning decision.
func (s *DecisionService) ApplyDecision(ctx context.Context, secret, action, via string, reason *string) (*DecisionResult, error) {
	token, err := s.tokens.GetBySecret(ctx, secret)
	if err != nil {
		decisionsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if token.Resolved() {
		decisionsTotal.WithLabelValues("already_decided").Inc()
		return &DecisionResult{Decision: token.Decision, AlreadyDecided: true, Token: token}, xerrors.ErrAlreadyDecided
	}

	now := s.now()
	if token.ExpiredAt(now) {
		s.markExpired(ctx, token, "decision_attempt")
		decisionsTotal.WithLabelValues("expired").Inc()
		return nil, xerrors.ErrTokenExpired
	}

	var (
		decision   domain.Decision
		execStatus domain.ExecutionStatus
		kind       string
	)
	switch action {
	case ActionApprove:
		decision = domain.DecisionApproved
		execStatus = domain.ExecutionProcessing
		kind = template.KindApproved
	case ActionReject:
		decision = domain.DecisionRejected
		execStatus = domain.ExecutionCancelled
		kind = template.KindRejected
	default:
		return nil, xerrors.ErrInvalidRequest
	}
	if decision != domain.DecisionRejected {
		reason = nil
	}

	outcome, err := s.tokens.Decide(ctx, repository.DecideParams{
		TokenID:         token.ID,
		Decision:        decision,
		Via:             via,
		Reason:          reason,
		DecidedAt:       now,
		ExecutionID:     token.ExecutionID,
		ExecutionStatus: execStatus,
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Won {
		decisionsTotal.WithLabelValues("already_decided").Inc()
		return &DecisionResult{Decision: outcome.Existing, AlreadyDecided: true, Token: token}, xerrors.ErrAlreadyDecided
	}

	token.Decision = decision
	token.DecidedAt = &now
	token.DecidedVia = via
	token.RejectionReason = reason

	if !outcome.ExecutionMoved {
		// the token CAS won but the execution had already left pending;
		// this should only happen through an out-of-band status change
		s.logger.Error("execution not pending at decision time",
			zap.String("token_id", token.ID),
			zap.String("execution_id", token.ExecutionID),
			zap.String("decision", string(decision)))
	}

	s.appendLog(ctx, token.ID, domain.EventDecisionRecorded, map[string]interface{}{
		"decision": string(decision),
		"via":      via,
	})
	decisionsTotal.WithLabelValues(string(decision)).Inc()

	exec, err := s.executions.GetByID(ctx, token.ExecutionID)
	if err != nil {
		s.logger.Error("execution lookup after decision failed",
			zap.String("execution_id", token.ExecutionID),
			zap.Error(err))
	}

	if exec != nil {
		extra := map[string]any{}
		if reason != nil {
			extra["Reason"] = *reason
		}
		if _, err := s.dispatcher.Dispatch(ctx, token, exec, kind, extra); err != nil {
			s.logger.Warn("decision notification not confirmed sent",
				zap.String("token_id", token.ID),
				zap.Error(err))
		}
	}

	if decision == domain.DecisionApproved {
		msg := publisher.FulfillmentMessage{
			ExecutionID: token.ExecutionID,
			Status:      domain.ExecutionProcessing,
			DecidedAt:   now,
			DecidedVia:  via,
		}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			// the decision stands; fulfillment re-delivery is handled by
			// the consumer keying on execution id
			s.logger.Error("fulfillment handoff publish failed",
				zap.String("execution_id", token.ExecutionID),
				zap.Error(err))
		}
	}

	return &DecisionResult{Decision: decision, Token: token, Execution: exec}, nil
}

// Review is a read-only navigation action. It never consumes the token or
// writes anything, and is always safe to repeat.
func (s *DecisionService) Review(ctx context.Context, secret string) (*DecisionResult, error) {
	token, err := s.tokens.GetBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	exec, err := s.executions.GetByID(ctx, token.ExecutionID)
	if err != nil {
		return nil, err
	}
	return &DecisionResult{Decision: token.Decision, AlreadyDecided: token.Resolved(), Token: token, Execution: exec}, nil
}

// markExpired lazily records the first observation of expiry.
func (s *DecisionService) markExpired(ctx context.Context, token *domain.ApprovalToken, observedBy string) {
	logged, err := s.deliveries.HasEvent(ctx, token.ID, domain.EventExpired)
	if err != nil {
		s.logger.Warn("expiry log lookup failed",
			zap.String("token_id", token.ID),
			zap.Error(err))
		return
	}
	if logged {
		return
	}
	s.appendLog(ctx, token.ID, domain.EventExpired, map[string]interface{}{
		"observed_by": observedBy,
	})
}

func (s *DecisionService) appendLog(ctx context.Context, tokenID string, et domain.EventType, data map[string]interface{}) {
	entry := &domain.DeliveryLogEntry{
		ID:        id.GenerateULID("dlv"),
		TokenID:   tokenID,
		EventType: et,
		EventData: data,
		CreatedAt: s.now(),
	}
	if err := s.deliveries.Append(ctx, entry); err != nil {
		s.logger.Warn("delivery log append failed",
			zap.String("token_id", tokenID),
			zap.Error(err))
	}
}
