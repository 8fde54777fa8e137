package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"intervia-backend/internal/models"
	"intervia-backend/internal/ratelimit"
	"intervia-backend/internal/repository"
)

// fakeStore is an in-memory stand-in for the Postgres repositories. It
// mirrors their guard semantics (conditional transitions, the
// charge-commitment compare-and-swap, order-id uniqueness) under a single
// mutex so concurrency tests exercise the same invariants.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	balances map[uuid.UUID]int
	ledger   []*models.CreditTransaction
	orders   map[string]bool
	tasks    []*models.ScheduledTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]*models.Session),
		balances: make(map[uuid.UUID]int),
		orders:   make(map[string]bool),
	}
}

func (f *fakeStore) Create(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.UserID == s.UserID && !existing.Status.IsTerminal() {
			return repository.ErrOpenSessionExists
		}
	}
	s.ID = uuid.New()
	s.Status = models.StatusSetup
	s.Questions = []string{}
	s.DetectedSkills = []string{}
	s.CreatedAt = time.Now()
	f.sessions[s.ID] = cloneSession(s)
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneSession(s), nil
}

func (f *fakeStore) GetWithBalance(ctx context.Context, id uuid.UUID) (*models.Session, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, 0, pgx.ErrNoRows
	}
	return cloneSession(s), f.balances[s.UserID], nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeStore) SetSetupResults(ctx context.Context, id uuid.UUID, result *models.SetupResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if s.Status != models.StatusSetup || len(s.Questions) > 0 {
		return repository.ErrNoTransition
	}
	s.Questions = result.Questions
	s.DetectedSkills = result.DetectedSkills
	if result.ExperienceLevel != "" {
		s.ExperienceLevel = &result.ExperienceLevel
	}
	if result.DomainTrack != "" {
		s.DomainTrack = &result.DomainTrack
	}
	return nil
}

func (f *fakeStore) TransitionToActive(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if s.Status != models.StatusSetup || len(s.Questions) == 0 {
		return repository.ErrNoTransition
	}
	s.Status = models.StatusActive
	s.StartedAt = &startedAt
	return nil
}

func (f *fakeStore) TransitionToAnalyzing(ctx context.Context, id uuid.UUID, conversationID *string, endedAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	if s.Status != models.StatusActive {
		return 0, repository.ErrNoTransition
	}
	duration := int(endedAt.Sub(*s.StartedAt).Seconds())
	s.Status = models.StatusAnalyzing
	s.DurationSeconds = &duration
	if conversationID != nil {
		s.ConversationID = conversationID
	}
	return duration, nil
}

func (f *fakeStore) MarkComplete(ctx context.Context, id uuid.UUID, scores *models.Scores, highlights []models.Highlight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if s.Status != models.StatusAnalyzing {
		return repository.ErrNoTransition
	}
	now := time.Now()
	s.Status = models.StatusComplete
	s.Scores = scores
	s.Highlights = highlights
	s.CompletedAt = &now
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, code, message *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if !s.Status.IsTerminal() {
		now := time.Now()
		s.Status = models.StatusFailed
		s.FailureCode = code
		s.FailureMessage = message
		s.CompletedAt = &now
		return nil
	}
	if s.Status == models.StatusFailed && s.FailureCode == nil {
		s.FailureCode = code
		s.FailureMessage = message
		return nil
	}
	return repository.ErrNoTransition
}

func (f *fakeStore) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeStore) DebitSession(ctx context.Context, sessionID uuid.UUID, cost int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return false, pgx.ErrNoRows
	}
	if s.ChargeCommittedAt != nil {
		return false, nil
	}
	if f.balances[s.UserID] < cost {
		return false, repository.ErrInsufficientBalance
	}
	now := time.Now()
	s.ChargeCommittedAt = &now
	f.balances[s.UserID] -= cost
	f.ledger = append(f.ledger, &models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    s.UserID,
		SessionID: &sessionID,
		Amount:    -cost,
		Reason:    models.CreditReasonSessionCharge,
		CreatedAt: now,
	})
	return true, nil
}

func (f *fakeStore) CreditOrder(ctx context.Context, userID uuid.UUID, orderID string, amount int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orders[orderID] {
		return false, nil
	}
	f.orders[orderID] = true
	f.balances[userID] += amount
	f.ledger = append(f.ledger, &models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Reason:    models.CreditReasonPurchase,
		OrderID:   &orderID,
		CreatedAt: time.Now(),
	})
	return true, nil
}

func (f *fakeStore) Grant(ctx context.Context, userID uuid.UUID, amount int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] += amount
	f.ledger = append(f.ledger, &models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) ListByUserTransactions(userID uuid.UUID) []*models.CreditTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.CreditTransaction
	for _, t := range f.ledger {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeStore) ListByUserCredits(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	return f.ListByUserTransactions(userID), nil
}

func (f *fakeStore) Schedule(ctx context.Context, t *models.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = uuid.New()
	t.Status = "pending"
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ScheduledTask
	for _, t := range f.tasks {
		if t.Status == "pending" && !t.RunAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			t.Status = "done"
		}
	}
	return nil
}

func (f *fakeStore) MarkTaskFailed(ctx context.Context, id uuid.UUID, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			t.Status = "failed"
			t.RetryCount = retryCount
		}
	}
	return nil
}

func (f *fakeStore) Defer(ctx context.Context, id uuid.UUID, runAt time.Time, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			t.RunAt = runAt
			t.RetryCount = retryCount
		}
	}
	return nil
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	return &c
}

// creditStore adapts fakeStore to the creditRepository interface (the
// MarkFailed/ListByUser names collide with the session and task sides).
type creditStore struct{ *fakeStore }

func (c creditStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	return c.ListByUserCredits(ctx, userID, limit)
}

// taskStore adapts fakeStore to the taskRepository interface.
type taskStore struct{ *fakeStore }

func (t taskStore) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int) error {
	return t.MarkTaskFailed(ctx, id, retryCount)
}

type fakeLimiter struct {
	allowed      bool
	retryAfterMs int64
	calls        []string
}

func (l *fakeLimiter) Check(ctx context.Context, action, identity string) (ratelimit.Result, error) {
	l.calls = append(l.calls, action)
	return ratelimit.Result{Allowed: l.allowed, RetryAfterMs: l.retryAfterMs}, nil
}

func allowAll() *fakeLimiter { return &fakeLimiter{allowed: true} }

type fakePublisher struct {
	mu      sync.Mutex
	updates []models.SessionUpdate
}

func (p *fakePublisher) PublishSessionUpdate(ctx context.Context, userID uuid.UUID, update models.SessionUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

type fakeParser struct {
	verdict     string
	classifyErr error
	result      *models.SetupResult
	parseErr    error
	parseCalls  int
}

func (p *fakeParser) ClassifyJobDescription(ctx context.Context, jobDescription string) (string, error) {
	return p.verdict, p.classifyErr
}

func (p *fakeParser) ParseJobDescription(ctx context.Context, jobDescription string) (*models.SetupResult, error) {
	p.parseCalls++
	return p.result, p.parseErr
}

type fakeAnalyzer struct {
	result         *models.AnalysisResult
	err            error
	calls          int
	lastTranscript string
}

func (a *fakeAnalyzer) AnalyzeTranscript(ctx context.Context, transcript string, mode models.SessionMode, questions []string) (*models.AnalysisResult, error) {
	a.calls++
	a.lastTranscript = transcript
	return a.result, a.err
}

type fakeVoice struct {
	transcript string
	err        error
}

func (v *fakeVoice) FetchTranscript(ctx context.Context, conversationID string) (string, error) {
	return v.transcript, v.err
}

type fakeTimers struct {
	created   []uuid.UUID
	activated []uuid.UUID
}

func (t *fakeTimers) OnCreated(ctx context.Context, sessionID, userID uuid.UUID) error {
	t.created = append(t.created, sessionID)
	return nil
}

func (t *fakeTimers) OnActivated(ctx context.Context, sessionID, userID uuid.UUID, startedAt time.Time) error {
	t.activated = append(t.activated, sessionID)
	return nil
}
