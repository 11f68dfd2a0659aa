package service

import (
	"context"
	"sync"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/publisher"
	"approval-service/internal/repository"
	"approval-service/pkg/xerrors"
)

// ---- token repo ----

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*domain.ApprovalToken
	execs  *fakeExecutionRepo

	// afterList runs once after ListUnresolved returns, to race decisions
	// against an in-flight sweep.
	afterList func()
}

func newFakeTokenRepo(execs *fakeExecutionRepo) *fakeTokenRepo {
	return &fakeTokenRepo{tokens: map[string]*domain.ApprovalToken{}, execs: execs}
}

func (f *fakeTokenRepo) clone(t *domain.ApprovalToken) *domain.ApprovalToken {
	cp := *t
	return &cp
}

func (f *fakeTokenRepo) Create(_ context.Context, t *domain.ApprovalToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.ID] = f.clone(t)
	return nil
}

func (f *fakeTokenRepo) GetByID(_ context.Context, id string) (*domain.ApprovalToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok {
		return nil, xerrors.ErrTokenNotFound
	}
	return f.clone(t), nil
}

func (f *fakeTokenRepo) GetBySecret(_ context.Context, secret string) (*domain.ApprovalToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.Secret == secret {
			return f.clone(t), nil
		}
	}
	return nil, xerrors.ErrTokenNotFound
}

func (f *fakeTokenRepo) GetActiveByExecution(_ context.Context, executionID string, now time.Time) (*domain.ApprovalToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.ApprovalToken
	for _, t := range f.tokens {
		if t.ExecutionID == executionID && t.Decision == domain.DecisionUnset && t.ExpiresAt.After(now) {
			if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
				latest = t
			}
		}
	}
	if latest == nil {
		return nil, xerrors.ErrTokenNotFound
	}
	return f.clone(latest), nil
}

func (f *fakeTokenRepo) GetLatestByExecution(_ context.Context, executionID string) (*domain.ApprovalToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.ApprovalToken
	for _, t := range f.tokens {
		if t.ExecutionID == executionID {
			if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
				latest = t
			}
		}
	}
	if latest == nil {
		return nil, xerrors.ErrTokenNotFound
	}
	return f.clone(latest), nil
}

func (f *fakeTokenRepo) HasActiveToken(ctx context.Context, executionID string, now time.Time) (bool, error) {
	_, err := f.GetActiveByExecution(ctx, executionID, now)
	if err == xerrors.ErrTokenNotFound {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeTokenRepo) ListUnresolved(_ context.Context, now time.Time) ([]*domain.ApprovalToken, error) {
	f.mu.Lock()
	var out []*domain.ApprovalToken
	for _, t := range f.tokens {
		if t.Decision == domain.DecisionUnset && t.ExpiresAt.After(now) {
			out = append(out, f.clone(t))
		}
	}
	f.mu.Unlock()
	if f.afterList != nil {
		hook := f.afterList
		f.afterList = nil
		hook()
	}
	return out, nil
}

func (f *fakeTokenRepo) ListExpiredUnresolved(_ context.Context, now time.Time) ([]*domain.ApprovalToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ApprovalToken
	for _, t := range f.tokens {
		if t.Decision == domain.DecisionUnset && !t.ExpiresAt.After(now) {
			out = append(out, f.clone(t))
		}
	}
	return out, nil
}

func (f *fakeTokenRepo) Decide(_ context.Context, p repository.DecideParams) (*repository.DecideOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[p.TokenID]
	if !ok {
		return nil, xerrors.ErrTokenNotFound
	}
	if t.Decision != domain.DecisionUnset {
		return &repository.DecideOutcome{Won: false, Existing: t.Decision}, nil
	}

	t.Decision = p.Decision
	decidedAt := p.DecidedAt
	t.DecidedAt = &decidedAt
	t.DecidedVia = p.Via
	t.RejectionReason = p.Reason

	moved := false
	if f.execs != nil {
		moved = f.execs.transition(p.ExecutionID, domain.ExecutionPending, p.ExecutionStatus)
	}
	return &repository.DecideOutcome{Won: true, Existing: p.Decision, ExecutionMoved: moved}, nil
}

func (f *fakeTokenRepo) ExpireNow(_ context.Context, tokenID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenID]
	if !ok || t.Decision != domain.DecisionUnset || !t.ExpiresAt.After(now) {
		return false, nil
	}
	t.ExpiresAt = now
	return true, nil
}

func (f *fakeTokenRepo) CountIssued(_ context.Context, from, to time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tokens {
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenRepo) CountDecisions(_ context.Context, from, to time.Time) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var approved, rejected int
	for _, t := range f.tokens {
		if t.DecidedAt == nil || t.DecidedAt.Before(from) || !t.DecidedAt.Before(to) {
			continue
		}
		switch t.Decision {
		case domain.DecisionApproved:
			approved++
		case domain.DecisionRejected:
			rejected++
		}
	}
	return approved, rejected, nil
}

func (f *fakeTokenRepo) AvgTimeToDecision(_ context.Context, from, to time.Time) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total time.Duration
	n := 0
	for _, t := range f.tokens {
		if t.DecidedAt == nil || t.DecidedAt.Before(from) || !t.DecidedAt.Before(to) {
			continue
		}
		total += t.DecidedAt.Sub(t.CreatedAt)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

// ---- execution repo ----

type fakeExecutionRepo struct {
	mu    sync.Mutex
	execs map[string]*domain.ExecutionRecord
}

func newFakeExecutionRepo() *fakeExecutionRepo {
	return &fakeExecutionRepo{execs: map[string]*domain.ExecutionRecord{}}
}

func (f *fakeExecutionRepo) Create(_ context.Context, e *domain.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.execs[e.ID] = &cp
	return nil
}

func (f *fakeExecutionRepo) GetByID(_ context.Context, id string) (*domain.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return nil, xerrors.ErrExecutionNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExecutionRepo) UpdateStatusIf(_ context.Context, id string, from, to domain.ExecutionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.execs[id]; !ok {
		return false, xerrors.ErrExecutionNotFound
	}
	return f.transitionLocked(id, from, to), nil
}

func (f *fakeExecutionRepo) transition(id string, from, to domain.ExecutionStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionLocked(id, from, to)
}

func (f *fakeExecutionRepo) transitionLocked(id string, from, to domain.ExecutionStatus) bool {
	e, ok := f.execs[id]
	if !ok || e.Status != from {
		return false
	}
	e.Status = to
	return true
}

// ---- delivery repo ----

type fakeDeliveryRepo struct {
	mu      sync.Mutex
	entries []*domain.DeliveryLogEntry
	failing bool
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{}
}

func (f *fakeDeliveryRepo) Append(_ context.Context, e *domain.DeliveryLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return xerrors.ErrInternalServer
	}
	cp := *e
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeDeliveryRepo) ListByToken(_ context.Context, tokenID string) ([]*domain.DeliveryLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DeliveryLogEntry
	for _, e := range f.entries {
		if e.TokenID == tokenID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDeliveryRepo) HasReminder(_ context.Context, tokenID, threshold string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.TokenID == tokenID && e.EventType == domain.EventReminderSent && e.EventData["threshold"] == threshold {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDeliveryRepo) HasEvent(_ context.Context, tokenID string, eventType domain.EventType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.TokenID == tokenID && e.EventType == eventType {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDeliveryRepo) CountEvents(_ context.Context, from, to time.Time) (map[domain.EventType]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.EventType]int{}
	for _, e := range f.entries {
		if !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			counts[e.EventType]++
		}
	}
	return counts, nil
}

func (f *fakeDeliveryRepo) byType(eventType domain.EventType) []*domain.DeliveryLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DeliveryLogEntry
	for _, e := range f.entries {
		if e.EventType == eventType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// ---- dispatcher ----

type dispatchCall struct {
	TokenID string
	Kind    string
	Extra   map[string]any
}

type fakeDispatcher struct {
	mu         sync.Mutex
	calls      []dispatchCall
	failing    bool
	deliveries *fakeDeliveryRepo
	now        func() time.Time
}

func newFakeDispatcher(deliveries *fakeDeliveryRepo) *fakeDispatcher {
	return &fakeDispatcher{deliveries: deliveries, now: time.Now}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, token *domain.ApprovalToken, _ *domain.ExecutionRecord, kind string, extra map[string]any) (*domain.DeliveryLogEntry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{TokenID: token.ID, Kind: kind, Extra: extra})
	failing := f.failing
	f.mu.Unlock()

	if failing {
		return nil, xerrors.ErrInternalServer
	}

	eventType := domain.EventSent
	eventData := map[string]interface{}{"kind": kind}
	if th, ok := extra["Threshold"].(string); ok {
		eventType = domain.EventReminderSent
		eventData["threshold"] = th
	}
	entry := &domain.DeliveryLogEntry{
		ID:        "dlv_" + token.ID + "_" + kind,
		TokenID:   token.ID,
		EventType: eventType,
		EventData: eventData,
		CreatedAt: f.now(),
	}
	if f.deliveries != nil {
		if err := f.deliveries.Append(ctx, entry); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

func (f *fakeDispatcher) callsOf(kind string) []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatchCall
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// ---- publisher ----

type fakePublisher struct {
	mu       sync.Mutex
	messages []publisher.FulfillmentMessage
	failing  bool
}

func (f *fakePublisher) Publish(_ context.Context, m publisher.FulfillmentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return xerrors.ErrInternalServer
	}
	f.messages = append(f.messages, m)
	return nil
}
