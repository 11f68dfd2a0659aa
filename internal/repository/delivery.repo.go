package repository

import (
	"context"
	"encoding/json"
	"time"

	"approval-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DeliveryRepository interface {
	Append(ctx context.Context, e *domain.DeliveryLogEntry) error
	ListByToken(ctx context.Context, tokenID string) ([]*domain.DeliveryLogEntry, error)
	// HasReminder reports whether a reminder_sent entry already exists for
	// the given threshold label, making sweeps idempotent per threshold.
	HasReminder(ctx context.Context, tokenID, threshold string) (bool, error)
	HasEvent(ctx context.Context, tokenID string, eventType domain.EventType) (bool, error)
	CountEvents(ctx context.Context, from, to time.Time) (map[domain.EventType]int, error)
}

type pgDeliveryRepo struct {
	db *pgxpool.Pool
}

func NewDeliveryRepo(db *pgxpool.Pool) DeliveryRepository {
	return &pgDeliveryRepo{db: db}
}

func (r *pgDeliveryRepo) Append(ctx context.Context, e *domain.DeliveryLogEntry) error {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO delivery_log (id, token_id, event_type, event_data, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.ID, e.TokenID, e.EventType, data, e.CreatedAt)
	return err
}

func (r *pgDeliveryRepo) ListByToken(ctx context.Context, tokenID string) ([]*domain.DeliveryLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, token_id, event_type, event_data, created_at
		FROM delivery_log
		WHERE token_id = $1
		ORDER BY created_at ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DeliveryLogEntry
	for rows.Next() {
		var (
			e    domain.DeliveryLogEntry
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.TokenID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 && string(data) != "null" {
			_ = json.Unmarshal(data, &e.EventData)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *pgDeliveryRepo) HasReminder(ctx context.Context, tokenID, threshold string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM delivery_log
			WHERE token_id = $1 AND event_type = $2 AND event_data->>'threshold' = $3
		)
	`, tokenID, domain.EventReminderSent, threshold).Scan(&exists)
	return exists, err
}

func (r *pgDeliveryRepo) HasEvent(ctx context.Context, tokenID string, eventType domain.EventType) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM delivery_log WHERE token_id = $1 AND event_type = $2
		)
	`, tokenID, eventType).Scan(&exists)
	return exists, err
}

func (r *pgDeliveryRepo) CountEvents(ctx context.Context, from, to time.Time) (map[domain.EventType]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT event_type, COUNT(*)
		FROM delivery_log
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY event_type
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.EventType]int)
	for rows.Next() {
		var (
			et domain.EventType
			n  int
		)
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		counts[et] = n
	}
	return counts, rows.Err()
}
