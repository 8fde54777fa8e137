package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intervia-backend/internal/models"
)

func newTestTimerService(store *fakeStore) (*TimerService, *SessionService) {
	ledger := NewCreditLedger(creditStore{store})
	timer := NewTimerService(store, ledger, taskStore{store}, nil)
	sessions := NewSessionService(store, timer, &fakePublisher{})
	timer.SetFinalizer(sessions)
	return timer, sessions
}

// seedActiveSession puts a session directly into "active" with the given
// start time and balance.
func seedActiveSession(t *testing.T, store *fakeStore, startedAt time.Time, balance int) (*models.Session, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	store.balances[userID] = balance
	session := &models.Session{UserID: userID, Mode: models.ModeTechnical}
	require.NoError(t, store.Create(context.Background(), session))
	require.NoError(t, store.SetSetupResults(context.Background(), session.ID, &models.SetupResult{
		Questions: []string{"q1", "q2", "q3"},
	}))
	require.NoError(t, store.TransitionToActive(context.Background(), session.ID, startedAt))
	return session, userID
}

func TestEnsureCharge_DebitsExactlyOnceUnderConcurrency(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	session, userID := seedActiveSession(t, store, time.Now().Add(-3*time.Minute), 45)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, timer.EnsureCharge(context.Background(), session.ID))
		}()
	}
	wg.Wait()

	balance, err := store.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 45-SessionCost, balance)
	assert.Len(t, store.ListByUserTransactions(userID), 1)

	stored, err := store.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ChargeCommittedAt)
}

func TestEnsureCharge_SkipsBelowThreshold(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	session, userID := seedActiveSession(t, store, time.Now().Add(-90*time.Second), 45)

	require.NoError(t, timer.EnsureCharge(context.Background(), session.ID))

	balance, _ := store.Balance(context.Background(), userID)
	assert.Equal(t, 45, balance)
	stored, _ := store.GetByID(context.Background(), session.ID)
	assert.Nil(t, stored.ChargeCommittedAt)
}

func TestEnsureCharge_UsesStoredDurationAfterEnd(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	startedAt := time.Now().Add(-10 * time.Minute)
	session, userID := seedActiveSession(t, store, startedAt, 45)

	// Session ended after 130s; wall-clock elapsed is much longer but the
	// stored duration is what counts.
	_, err := store.TransitionToAnalyzing(context.Background(), session.ID, nil, startedAt.Add(130*time.Second))
	require.NoError(t, err)

	require.NoError(t, timer.EnsureCharge(context.Background(), session.ID))
	balance, _ := store.Balance(context.Background(), userID)
	assert.Equal(t, 45-SessionCost, balance)
}

func TestEnsureCharge_ShortEndedSessionNeverCharged(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	startedAt := time.Now().Add(-10 * time.Minute)
	session, userID := seedActiveSession(t, store, startedAt, 45)

	_, err := store.TransitionToAnalyzing(context.Background(), session.ID, nil, startedAt.Add(80*time.Second))
	require.NoError(t, err)

	require.NoError(t, timer.EnsureCharge(context.Background(), session.ID))
	balance, _ := store.Balance(context.Background(), userID)
	assert.Equal(t, 45, balance)
}

func TestEnsureCharge_InsufficientBalanceProceedsUnbilled(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	session, userID := seedActiveSession(t, store, time.Now().Add(-3*time.Minute), 5)

	require.NoError(t, timer.EnsureCharge(context.Background(), session.ID))

	balance, _ := store.Balance(context.Background(), userID)
	assert.Equal(t, 5, balance)
	stored, _ := store.GetByID(context.Background(), session.ID)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestCleanupStaleSetup(t *testing.T) {
	store := newFakeStore()
	timer, sessions := newTestTimerService(store)
	userID := uuid.New()

	session, err := sessions.Create(context.Background(), userID, validTechnicalRequest())
	require.NoError(t, err)

	require.NoError(t, timer.CleanupStaleSetup(context.Background(), session.ID))
	stored, _ := store.GetByID(context.Background(), session.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureCode)
	assert.Equal(t, "TIMEOUT", *stored.FailureCode)
}

func TestCleanupStaleSetup_IgnoresProgressedSession(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	session, _ := seedActiveSession(t, store, time.Now(), 45)

	require.NoError(t, timer.CleanupStaleSetup(context.Background(), session.ID))
	stored, _ := store.GetByID(context.Background(), session.ID)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestTimerScheduling(t *testing.T) {
	store := newFakeStore()
	timer, sessions := newTestTimerService(store)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	timer.now = func() time.Time { return now }
	sessions.now = timer.now
	userID := uuid.New()

	session, err := sessions.Create(context.Background(), userID, validTechnicalRequest())
	require.NoError(t, err)

	require.NoError(t, store.SetSetupResults(context.Background(), session.ID, &models.SetupResult{
		Questions: []string{"q1", "q2", "q3"},
	}))
	_, err = sessions.TransitionToActive(context.Background(), session.ID, userID, nil)
	require.NoError(t, err)

	require.Len(t, store.tasks, 2)
	cleanup, charge := store.tasks[0], store.tasks[1]
	assert.Equal(t, models.TaskStaleSetupCleanup, cleanup.Type)
	assert.Equal(t, now.Add(setupTimeout), cleanup.RunAt)
	assert.Equal(t, models.TaskChargeCommit, charge.Type)
	assert.Equal(t, now.Add(MinBillableSeconds*time.Second), charge.RunAt)
}

func TestExecuteTask_Dispatch(t *testing.T) {
	store := newFakeStore()
	timer, _ := newTestTimerService(store)
	session, userID := seedActiveSession(t, store, time.Now().Add(-3*time.Minute), 45)

	err := timer.ExecuteTask(context.Background(), &models.ScheduledTask{
		SessionID: session.ID,
		UserID:    userID,
		Type:      models.TaskChargeCommit,
	})
	require.NoError(t, err)
	balance, _ := store.Balance(context.Background(), userID)
	assert.Equal(t, 45-SessionCost, balance)

	// Unknown types are dropped, not retried forever
	err = timer.ExecuteTask(context.Background(), &models.ScheduledTask{Type: "unknown"})
	require.NoError(t, err)
}
