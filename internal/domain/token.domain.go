package domain

import "time"

type Decision string

const (
	DecisionUnset    Decision = "unset"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Decision channels.
const (
	ViaLinkClick = "link_click"
	ViaInApp     = "in_app"
	ViaAdmin     = "admin"
)

type TokenStatus string

const (
	TokenActive   TokenStatus = "active"
	TokenResolved TokenStatus = "resolved"
	TokenExpired  TokenStatus = "expired"
)

// ApprovalToken is the single-use capability embedded in an approval link.
// Decision is write-once: once non-unset it is never changed, and DecidedAt
// is only set together with it.
type ApprovalToken struct {
	ID              string     `json:"id"`
	ExecutionID     string     `json:"execution_id"`
	Secret          string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Decision        Decision   `json:"decision"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DecidedVia      string     `json:"decided_via,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
}

func (t *ApprovalToken) Resolved() bool {
	return t.Decision != DecisionUnset
}

func (t *ApprovalToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// StatusAt derives the token state: a recorded decision wins over expiry.
func (t *ApprovalToken) StatusAt(now time.Time) TokenStatus {
	switch {
	case t.Resolved():
		return TokenResolved
	case t.ExpiredAt(now):
		return TokenExpired
	default:
		return TokenActive
	}
}
