package service

import (
	"context"
	"testing"
	"time"

	"approval-service/internal/domain"
	"approval-service/pkg/template"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reminderFixture struct {
	tokens     *fakeTokenRepo
	execs      *fakeExecutionRepo
	deliveries *fakeDeliveryRepo
	dispatcher *fakeDispatcher
	svc        *ReminderService
}

func newReminderFixture(t *testing.T, thresholds ...time.Duration) *reminderFixture {
	t.Helper()
	if len(thresholds) == 0 {
		thresholds = []time.Duration{24 * time.Hour, 12 * time.Hour, 2 * time.Hour}
	}
	execs := newFakeExecutionRepo()
	tokens := newFakeTokenRepo(execs)
	deliveries := newFakeDeliveryRepo()
	dispatcher := newFakeDispatcher(deliveries)

	svc := NewReminderService(tokens, execs, deliveries, dispatcher, zap.NewNop(), thresholds)
	return &reminderFixture{
		tokens:     tokens,
		execs:      execs,
		deliveries: deliveries,
		dispatcher: dispatcher,
		svc:        svc,
	}
}

func (fx *reminderFixture) seed(t *testing.T, tokenID string, expiresAt time.Time) *domain.ApprovalToken {
	t.Helper()
	execID := "exec-" + tokenID
	require.NoError(t, fx.execs.Create(context.Background(), &domain.ExecutionRecord{
		ID:             execID,
		Status:         domain.ExecutionPending,
		RecipientRef:   "user-1",
		RecipientName:  "Sam",
		RecipientEmail: "sam@example.com",
		Occasion:       "anniversary",
		Items:          []domain.GiftItem{{ID: "i1", Title: "Flowers", UnitPrice: decimal.RequireFromString("30.00")}},
		TotalAmount:    decimal.RequireFromString("30.00"),
	}))

	token := &domain.ApprovalToken{
		ID:          tokenID,
		ExecutionID: execID,
		Secret:      "secret-" + tokenID,
		CreatedAt:   expiresAt.Add(-48 * time.Hour),
		ExpiresAt:   expiresAt,
		Decision:    domain.DecisionUnset,
	}
	require.NoError(t, fx.tokens.Create(context.Background(), token))
	return token
}

func TestSweepFiresDueReminder(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	fx.seed(t, "tok-1", now.Add(90*time.Minute))

	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "tok-1", fired[0].TokenID)
	assert.Equal(t, "2h", fired[0].Threshold)
	assert.Equal(t, 2, fired[0].HoursRemaining)

	calls := fx.dispatcher.callsOf(template.KindReminder)
	require.Len(t, calls, 1)
	assert.Equal(t, "2h", calls[0].Extra["Threshold"])

	entries := fx.deliveries.byType(domain.EventReminderSent)
	require.Len(t, entries, 1)
	assert.Equal(t, "2h", entries[0].EventData["threshold"])
}

func TestSweepNothingDue(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	fx.seed(t, "tok-1", now.Add(40*time.Hour))

	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Empty(t, fx.dispatcher.calls)
}

func TestSweepIdempotentPerThreshold(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	fx.seed(t, "tok-1", now.Add(10*time.Hour))

	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "12h", fired[0].Threshold)

	// re-running inside the same window fires nothing new
	for i := 0; i < 3; i++ {
		fired, err = fx.svc.SweepDueReminders(context.Background(), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, fired)
	}
	assert.Len(t, fx.deliveries.byType(domain.EventReminderSent), 1)
}

func TestSweepFiresEachThresholdOnce(t *testing.T) {
	fx := newReminderFixture(t)
	expires := time.Now().Add(48 * time.Hour)
	fx.seed(t, "tok-1", expires)

	sweepAt := func(remaining time.Duration) []ReminderFired {
		fired, err := fx.svc.SweepDueReminders(context.Background(), expires.Add(-remaining))
		require.NoError(t, err)
		return fired
	}

	fired := sweepAt(20 * time.Hour)
	require.Len(t, fired, 1)
	assert.Equal(t, "24h", fired[0].Threshold)

	fired = sweepAt(10 * time.Hour)
	require.Len(t, fired, 1)
	assert.Equal(t, "12h", fired[0].Threshold)

	fired = sweepAt(time.Hour)
	require.Len(t, fired, 1)
	assert.Equal(t, "2h", fired[0].Threshold)
	assert.Equal(t, 1, fired[0].HoursRemaining)

	assert.Len(t, fx.deliveries.byType(domain.EventReminderSent), 3)
}

func TestSweepAfterDowntimeFiresOnlyTightestThreshold(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	// the 24h and 12h windows were missed entirely
	fx.seed(t, "tok-1", now.Add(time.Hour))

	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "2h", fired[0].Threshold)
	assert.Len(t, fx.deliveries.byType(domain.EventReminderSent), 1)
}

func TestSweepSkipsTokenDecidedMidSweep(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	token := fx.seed(t, "tok-1", now.Add(90*time.Minute))

	decisions := NewDecisionService(fx.tokens, fx.execs, fx.deliveries, fx.dispatcher, &fakePublisher{}, zap.NewNop())

	// the decision lands between the unresolved scan and the dispatch
	fx.tokens.afterList = func() {
		_, err := decisions.ApplyDecision(context.Background(), token.Secret, ActionApprove, domain.ViaLinkClick, nil)
		require.NoError(t, err)
	}

	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, fired, "a resolved token never receives a reminder")
	assert.Empty(t, fx.dispatcher.callsOf(template.KindReminder))
}

func TestSweepLogsExpiredOnce(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	fx.seed(t, "tok-1", now.Add(-time.Minute))

	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, fired, "expired tokens get no reminders")

	entries := fx.deliveries.byType(domain.EventExpired)
	require.Len(t, entries, 1)
	assert.Equal(t, "sweep", entries[0].EventData["observed_by"])

	_, err = fx.svc.SweepDueReminders(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, fx.deliveries.byType(domain.EventExpired), 1)
}

func TestSweepDispatchFailureRetriesNextSweep(t *testing.T) {
	fx := newReminderFixture(t)
	now := time.Now()
	fx.seed(t, "tok-1", now.Add(90*time.Minute))

	fx.dispatcher.failing = true
	fired, err := fx.svc.SweepDueReminders(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Empty(t, fx.deliveries.byType(domain.EventReminderSent))

	// nothing was logged, so the next sweep tries again
	fx.dispatcher.failing = false
	fired, err = fx.svc.SweepDueReminders(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "2h", fired[0].Threshold)
}

func TestThresholdLabel(t *testing.T) {
	assert.Equal(t, "24h", ThresholdLabel(24*time.Hour))
	assert.Equal(t, "2h", ThresholdLabel(2*time.Hour))
	assert.Equal(t, "90m", ThresholdLabel(90*time.Minute))
	assert.Equal(t, "12h", ThresholdLabel(12*time.Hour))
}
