package repository

import (
	"context"
	"encoding/json"
	"errors"

	"approval-service/internal/domain"
	"approval-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type ExecutionRepository interface {
	Create(ctx context.Context, e *domain.ExecutionRecord) error
	GetByID(ctx context.Context, id string) (*domain.ExecutionRecord, error)
	// UpdateStatusIf advances the status only when the current status matches
	// `from`. Returns false when another writer got there first.
	UpdateStatusIf(ctx context.Context, id string, from, to domain.ExecutionStatus) (bool, error)
}

type pgExecutionRepo struct {
	db *pgxpool.Pool
}

func NewExecutionRepo(db *pgxpool.Pool) ExecutionRepository {
	return &pgExecutionRepo{db: db}
}

func (r *pgExecutionRepo) Create(ctx context.Context, e *domain.ExecutionRecord) error {
	items, err := json.Marshal(e.Items)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO gift_executions
			(id, status, recipient_ref, recipient_name, recipient_email, occasion,
			 items, budget, total_amount, scheduled_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, e.ID, e.Status, e.RecipientRef, e.RecipientName, e.RecipientEmail, e.Occasion,
		items, e.Budget.String(), e.TotalAmount.String(), e.ScheduledDate, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *pgExecutionRepo) GetByID(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	var (
		e      domain.ExecutionRecord
		items  []byte
		budget string
		total  string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, status, recipient_ref, recipient_name, recipient_email, occasion,
		       items, budget, total_amount, scheduled_date, created_at, updated_at
		FROM gift_executions
		WHERE id = $1
	`, id).Scan(&e.ID, &e.Status, &e.RecipientRef, &e.RecipientName, &e.RecipientEmail,
		&e.Occasion, &items, &budget, &total, &e.ScheduledDate, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrExecutionNotFound
		}
		return nil, err
	}

	if len(items) > 0 && string(items) != "null" {
		_ = json.Unmarshal(items, &e.Items)
	}
	e.Budget, _ = decimal.NewFromString(budget)
	e.TotalAmount, _ = decimal.NewFromString(total)

	return &e, nil
}

func (r *pgExecutionRepo) UpdateStatusIf(ctx context.Context, id string, from, to domain.ExecutionStatus) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE gift_executions
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		// distinguish "wrong state" from "missing row"
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM gift_executions WHERE id=$1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, xerrors.ErrExecutionNotFound
		}
		return false, nil
	}
	return true, nil
}
