package notifier

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/repository"
	"approval-service/pkg/id"
	"approval-service/pkg/template"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "approval_notifications_total",
		Help: "Total outbound notifications by kind and outcome",
	},
	[]string{"kind", "status"},
)

// Renderer turns a message kind plus a data payload into subject and body.
type Renderer interface {
	Render(kind string, data map[string]any) (subject, html string, err error)
}

// Sender is the external transport. It returns the provider message id.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

type Notifier struct {
	renderer    Renderer
	sender      Sender
	deliveries  repository.DeliveryRepository
	logger      *zap.Logger
	baseURL     string
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func NewNotifier(renderer Renderer, sender Sender, deliveries repository.DeliveryRepository, logger *zap.Logger, baseURL string, maxAttempts int, backoff time.Duration) *Notifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Notifier{
		renderer:    renderer,
		sender:      sender,
		deliveries:  deliveries,
		logger:      logger,
		baseURL:     baseURL,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		now:         time.Now,
	}
}

type itemView struct {
	Title             string
	UnitPrice         string
	SourceMarketplace string
}

// BuildPayload assembles the template-ready data for a token/execution pair.
// Extra entries (HoursRemaining, Reason) are merged on top.
func BuildPayload(baseURL string, token *domain.ApprovalToken, exec *domain.ExecutionRecord, extra map[string]any) map[string]any {
	items := make([]itemView, 0, len(exec.Items))
	for _, it := range exec.Items {
		items = append(items, itemView{
			Title:             it.Title,
			UnitPrice:         it.UnitPrice.StringFixed(2),
			SourceMarketplace: it.SourceMarketplace,
		})
	}

	data := map[string]any{
		"RecipientName": exec.RecipientName,
		"Occasion":      exec.Occasion,
		"Budget":        exec.Budget.StringFixed(2),
		"TotalAmount":   exec.TotalAmount.StringFixed(2),
		"Items":         items,
		"ApproveUrl":    ActionURL(baseURL, token.Secret, "approve"),
		"RejectUrl":     ActionURL(baseURL, token.Secret, "reject"),
		"ReviewUrl":     ActionURL(baseURL, token.Secret, "review"),
		"ExpiresAt":     token.ExpiresAt.Format("Jan 2, 2006 at 3:04 PM MST"),
	}
	if exec.ScheduledDate != nil {
		data["DeliveryDate"] = exec.ScheduledDate.Format("Jan 2, 2006")
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func ActionURL(baseURL, secret, action string) string {
	return fmt.Sprintf("%s/approve-gift?token=%s&action=%s", baseURL, url.QueryEscape(secret), action)
}

func eventTypeFor(kind string) domain.EventType {
	if kind == template.KindReminder {
		return domain.EventReminderSent
	}
	return domain.EventSent
}

// Dispatch renders and sends one message for the token, then records the
// attempt in the delivery log. Transport failures are retried with a fixed
// backoff up to maxAttempts; a final failure is logged as send_failed and
// returned, but never corrupts workflow state.
func (n *Notifier) Dispatch(ctx context.Context, token *domain.ApprovalToken, exec *domain.ExecutionRecord, kind string, extra map[string]any) (*domain.DeliveryLogEntry, error) {
	data := BuildPayload(n.baseURL, token, exec, extra)

	subject, body, err := n.renderer.Render(kind, data)
	if err != nil {
		n.logger.Error("template render failed",
			zap.String("kind", kind),
			zap.String("token_id", token.ID),
			zap.Error(err))
		notificationsTotal.WithLabelValues(kind, "render_failed").Inc()
		n.appendLog(ctx, token.ID, domain.EventSendFailed, map[string]interface{}{
			"kind":  kind,
			"stage": "render",
			"error": err.Error(),
		})
		return nil, err
	}

	var (
		msgID   string
		sendErr error
	)
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		msgID, sendErr = n.sender.Send(ctx, exec.RecipientEmail, subject, body)
		if sendErr == nil {
			break
		}
		n.logger.Warn("notification send failed",
			zap.String("kind", kind),
			zap.String("token_id", token.ID),
			zap.Int("attempt", attempt),
			zap.Error(sendErr))
		if attempt < n.maxAttempts {
			select {
			case <-time.After(n.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				sendErr = ctx.Err()
				attempt = n.maxAttempts
			}
		}
	}

	if sendErr != nil {
		notificationsTotal.WithLabelValues(kind, "failed").Inc()
		n.appendLog(ctx, token.ID, domain.EventSendFailed, map[string]interface{}{
			"kind":     kind,
			"stage":    "transport",
			"error":    sendErr.Error(),
			"attempts": n.maxAttempts,
		})
		return nil, sendErr
	}

	eventData := map[string]interface{}{
		"kind":       kind,
		"message_id": msgID,
		"recipient":  exec.RecipientEmail,
	}
	if th, ok := extra["Threshold"].(string); ok {
		eventData["threshold"] = th
	}
	if hrs, ok := extra["HoursRemaining"].(int); ok {
		eventData["hours_remaining"] = hrs
	}

	entry := &domain.DeliveryLogEntry{
		ID:        id.GenerateULID("dlv"),
		TokenID:   token.ID,
		EventType: eventTypeFor(kind),
		EventData: eventData,
		CreatedAt: n.now(),
	}
	if err := n.deliveries.Append(ctx, entry); err != nil {
		// log appends never block a successful send
		n.logger.Warn("delivery log append failed",
			zap.String("token_id", token.ID),
			zap.Error(err))
	}

	notificationsTotal.WithLabelValues(kind, "sent").Inc()
	return entry, nil
}

func (n *Notifier) appendLog(ctx context.Context, tokenID string, et domain.EventType, data map[string]interface{}) {
	entry := &domain.DeliveryLogEntry{
		ID:        id.GenerateULID("dlv"),
		TokenID:   tokenID,
		EventType: et,
		EventData: data,
		CreatedAt: n.now(),
	}
	if err := n.deliveries.Append(ctx, entry); err != nil {
		n.logger.Warn("delivery log append failed",
			zap.String("token_id", tokenID),
			zap.Error(err))
	}
}
