package domain

import "time"

type EventType string

const (
	EventSent              EventType = "sent"
	EventDelivered         EventType = "delivered"
	EventOpened            EventType = "opened"
	EventClicked           EventType = "clicked"
	EventReminderScheduled EventType = "reminder_scheduled"
	EventReminderSent      EventType = "reminder_sent"
	EventDecisionRecorded  EventType = "decision_recorded"
	EventExpired           EventType = "expired"
	EventSendFailed        EventType = "send_failed"
)

// EngagementEvents are the provider-reported delivery states an operator
// sees as the effective delivery status while a token is unresolved.
var EngagementEvents = []EventType{EventSent, EventDelivered, EventOpened, EventClicked}

// DeliveryLogEntry is an append-only audit record tied to a token.
// Entries are never mutated or deleted.
type DeliveryLogEntry struct {
	ID        string                 `json:"id"`
	TokenID   string                 `json:"token_id"`
	EventType EventType              `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
