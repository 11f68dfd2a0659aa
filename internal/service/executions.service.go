package service

import (
	"context"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/repository"
	"approval-service/pkg/id"
	"approval-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecutionService registers executions handed over by the upstream
// gift-selection process. Everything arrives in status pending.
type ExecutionService struct {
	executions repository.ExecutionRepository
	sf         *id.Snowflake
	logger     *zap.Logger
	now        func() time.Time
}

func NewExecutionService(executions repository.ExecutionRepository, sf *id.Snowflake, logger *zap.Logger) *ExecutionService {
	return &ExecutionService{
		executions: executions,
		sf:         sf,
		logger:     logger,
		now:        time.Now,
	}
}

type IngestExecutionInput struct {
	RecipientRef   string            `json:"recipient_ref"`
	RecipientName  string            `json:"recipient_name"`
	RecipientEmail string            `json:"recipient_email"`
	Occasion       string            `json:"occasion"`
	Items          []domain.GiftItem `json:"items"`
	Budget         decimal.Decimal   `json:"budget"`
	ScheduledDate  *time.Time        `json:"scheduled_date,omitempty"`
}

func (s *ExecutionService) Ingest(ctx context.Context, in IngestExecutionInput) (*domain.ExecutionRecord, error) {
	if in.RecipientRef == "" || in.RecipientEmail == "" || len(in.Items) == 0 {
		return nil, xerrors.ErrInvalidRequest
	}

	total := decimal.Zero
	for _, it := range in.Items {
		if it.UnitPrice.IsNegative() {
			return nil, xerrors.ErrInvalidRequest
		}
		total = total.Add(it.UnitPrice)
	}

	now := s.now()
	exec := &domain.ExecutionRecord{
		ID:             s.sf.Generate(),
		Status:         domain.ExecutionPending,
		RecipientRef:   in.RecipientRef,
		RecipientName:  in.RecipientName,
		RecipientEmail: in.RecipientEmail,
		Occasion:       in.Occasion,
		Items:          in.Items,
		Budget:         in.Budget,
		TotalAmount:    total,
		ScheduledDate:  in.ScheduledDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	s.logger.Info("execution registered",
		zap.String("execution_id", exec.ID),
		zap.String("recipient_ref", exec.RecipientRef),
		zap.String("total_amount", exec.TotalAmount.String()))
	return exec, nil
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	return s.executions.GetByID(ctx, id)
}
