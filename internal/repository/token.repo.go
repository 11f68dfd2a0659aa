package repository

import (
	"context"
	"errors"
	"time"

	"approval-service/internal/domain"
	"approval-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DecideParams carries one decision attempt. ExecutionStatus is the target
// status the linked execution moves to when this attempt wins.
type DecideParams struct {
	TokenID         string
	Decision        domain.Decision
	Via             string
	Reason          *string
	DecidedAt       time.Time
	ExecutionID     string
	ExecutionStatus domain.ExecutionStatus
}

type DecideOutcome struct {
	Won bool
	// Existing is the previously recorded decision when Won is false.
	Existing domain.Decision
	// ExecutionMoved reports whether the execution row transitioned out of
	// pending in the same transaction.
	ExecutionMoved bool
}

type TokenRepository interface {
	Create(ctx context.Context, t *domain.ApprovalToken) error
	GetByID(ctx context.Context, id string) (*domain.ApprovalToken, error)
	GetBySecret(ctx context.Context, secret string) (*domain.ApprovalToken, error)
	GetActiveByExecution(ctx context.Context, executionID string, now time.Time) (*domain.ApprovalToken, error)
	GetLatestByExecution(ctx context.Context, executionID string) (*domain.ApprovalToken, error)
	HasActiveToken(ctx context.Context, executionID string, now time.Time) (bool, error)
	ListUnresolved(ctx context.Context, now time.Time) ([]*domain.ApprovalToken, error)
	ListExpiredUnresolved(ctx context.Context, now time.Time) ([]*domain.ApprovalToken, error)
	// Decide applies the decision with a conditional write guarded on
	// "decision is still unset" and moves the linked execution in the same
	// transaction. At most one caller ever observes Won = true per token.
	Decide(ctx context.Context, p DecideParams) (*DecideOutcome, error)
	// ExpireNow force-expires an unresolved token (admin revocation).
	// Returns false when the token was already resolved.
	ExpireNow(ctx context.Context, tokenID string, now time.Time) (bool, error)

	CountIssued(ctx context.Context, from, to time.Time) (int, error)
	CountDecisions(ctx context.Context, from, to time.Time) (approved int, rejected int, err error)
	AvgTimeToDecision(ctx context.Context, from, to time.Time) (time.Duration, error)
}

type pgTokenRepo struct {
	db *pgxpool.Pool
}

func NewTokenRepo(db *pgxpool.Pool) TokenRepository {
	return &pgTokenRepo{db: db}
}

const tokenColumns = `id, execution_id, secret, created_at, expires_at, decision, decided_at, decided_via, rejection_reason`

func (r *pgTokenRepo) Create(ctx context.Context, t *domain.ApprovalToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO approval_tokens
			(id, execution_id, secret, created_at, expires_at, decision, decided_at, decided_via, rejection_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.ID, t.ExecutionID, t.Secret, t.CreatedAt, t.ExpiresAt, t.Decision, t.DecidedAt, t.DecidedVia, t.RejectionReason)
	return err
}

func scanToken(row pgx.Row) (*domain.ApprovalToken, error) {
	var (
		t   domain.ApprovalToken
		via *string
	)
	err := row.Scan(&t.ID, &t.ExecutionID, &t.Secret, &t.CreatedAt, &t.ExpiresAt,
		&t.Decision, &t.DecidedAt, &via, &t.RejectionReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrTokenNotFound
		}
		return nil, err
	}
	if via != nil {
		t.DecidedVia = *via
	}
	return &t, nil
}

func (r *pgTokenRepo) GetByID(ctx context.Context, id string) (*domain.ApprovalToken, error) {
	return scanToken(r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+` FROM approval_tokens WHERE id = $1
	`, id))
}

func (r *pgTokenRepo) GetBySecret(ctx context.Context, secret string) (*domain.ApprovalToken, error) {
	return scanToken(r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+` FROM approval_tokens WHERE secret = $1
	`, secret))
}

func (r *pgTokenRepo) GetActiveByExecution(ctx context.Context, executionID string, now time.Time) (*domain.ApprovalToken, error) {
	return scanToken(r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM approval_tokens
		WHERE execution_id = $1 AND decision = 'unset' AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, executionID, now))
}

func (r *pgTokenRepo) GetLatestByExecution(ctx context.Context, executionID string) (*domain.ApprovalToken, error) {
	return scanToken(r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM approval_tokens
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, executionID))
}

func (r *pgTokenRepo) HasActiveToken(ctx context.Context, executionID string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM approval_tokens
			WHERE execution_id = $1 AND decision = 'unset' AND expires_at > $2
		)
	`, executionID, now).Scan(&exists)
	return exists, err
}

func (r *pgTokenRepo) listTokens(ctx context.Context, query string, args ...interface{}) ([]*domain.ApprovalToken, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*domain.ApprovalToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *pgTokenRepo) ListUnresolved(ctx context.Context, now time.Time) ([]*domain.ApprovalToken, error) {
	return r.listTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM approval_tokens
		WHERE decision = 'unset' AND expires_at > $1
		ORDER BY expires_at ASC
	`, now)
}

func (r *pgTokenRepo) ListExpiredUnresolved(ctx context.Context, now time.Time) ([]*domain.ApprovalToken, error) {
	return r.listTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM approval_tokens
		WHERE decision = 'unset' AND expires_at <= $1
		ORDER BY expires_at ASC
	`, now)
}

func (r *pgTokenRepo) Decide(ctx context.Context, p DecideParams) (*DecideOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE approval_tokens
		SET decision = $2, decided_at = $3, decided_via = $4, rejection_reason = $5
		WHERE id = $1 AND decision = 'unset'
	`, p.TokenID, p.Decision, p.DecidedAt, p.Via, p.Reason)
	if err != nil {
		return nil, err
	}

	if ct.RowsAffected() == 0 {
		var existing domain.Decision
		err := tx.QueryRow(ctx, `SELECT decision FROM approval_tokens WHERE id = $1`, p.TokenID).Scan(&existing)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, xerrors.ErrTokenNotFound
			}
			return nil, err
		}
		return &DecideOutcome{Won: false, Existing: existing}, nil
	}

	execCT, err := tx.Exec(ctx, `
		UPDATE gift_executions
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, p.ExecutionID, domain.ExecutionPending, p.ExecutionStatus)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &DecideOutcome{
		Won:            true,
		Existing:       p.Decision,
		ExecutionMoved: execCT.RowsAffected() > 0,
	}, nil
}

func (r *pgTokenRepo) ExpireNow(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE approval_tokens
		SET expires_at = $2
		WHERE id = $1 AND decision = 'unset' AND expires_at > $2
	`, tokenID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (r *pgTokenRepo) CountIssued(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM approval_tokens WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&n)
	return n, err
}

func (r *pgTokenRepo) CountDecisions(ctx context.Context, from, to time.Time) (int, int, error) {
	var approved, rejected int
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE decision = 'approved'),
			COUNT(*) FILTER (WHERE decision = 'rejected')
		FROM approval_tokens
		WHERE decided_at >= $1 AND decided_at < $2
	`, from, to).Scan(&approved, &rejected)
	return approved, rejected, err
}

func (r *pgTokenRepo) AvgTimeToDecision(ctx context.Context, from, to time.Time) (time.Duration, error) {
	var seconds *float64
	err := r.db.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (decided_at - created_at)))
		FROM approval_tokens
		WHERE decision <> 'unset' AND decided_at >= $1 AND decided_at < $2
	`, from, to).Scan(&seconds)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return 0, nil
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}
