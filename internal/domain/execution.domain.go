package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

type GiftItem struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	SourceMarketplace string          `json:"source_marketplace"`
}

// ExecutionRecord is an automatically assembled gift purchase awaiting
// human sign-off. It is created by the upstream gift-selection process;
// this service only advances its status, never deletes it.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	Status         ExecutionStatus `json:"status"`
	RecipientRef   string          `json:"recipient_ref"`
	RecipientName  string          `json:"recipient_name"`
	RecipientEmail string          `json:"recipient_email"`
	Occasion       string          `json:"occasion"`
	Items          []GiftItem      `json:"items"`
	Budget         decimal.Decimal `json:"budget"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ScheduledDate  *time.Time      `json:"scheduled_date,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
