package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intervia-backend/internal/models"
)

func TestCredit_IdempotentByOrderID(t *testing.T) {
	store := newFakeStore()
	ledger := NewCreditLedger(creditStore{store})
	userID := uuid.New()

	applied, err := ledger.Credit(context.Background(), userID, "order_abc", 50)
	require.NoError(t, err)
	assert.True(t, applied)

	// Webhook redelivery with the same order id must be a no-op
	applied, err = ledger.Credit(context.Background(), userID, "order_abc", 50)
	require.NoError(t, err)
	assert.False(t, applied)

	balance, _ := ledger.Balance(context.Background(), userID)
	assert.Equal(t, 50, balance)
	assert.Len(t, store.ListByUserTransactions(userID), 1)
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	ledger := NewCreditLedger(creditStore{newFakeStore()})

	_, err := ledger.Credit(context.Background(), uuid.New(), "order_x", 0)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestDebit_InsufficientBalanceIsNotAnError(t *testing.T) {
	store := newFakeStore()
	ledger := NewCreditLedger(creditStore{store})
	session, userID := seedActiveSession(t, store, time.Now().Add(-3*time.Minute), 5)

	require.NoError(t, ledger.Debit(context.Background(), session.ID))

	balance, _ := ledger.Balance(context.Background(), userID)
	assert.Equal(t, 5, balance)
	assert.Empty(t, store.ListByUserTransactions(userID))
}

func TestGrantAndHistory(t *testing.T) {
	store := newFakeStore()
	ledger := NewCreditLedger(creditStore{store})
	userID := uuid.New()

	require.NoError(t, ledger.Grant(context.Background(), userID, SignupGrant, models.CreditReasonSignupGrant))

	history, err := ledger.History(context.Background(), userID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, SignupGrant, history[0].Amount)
	assert.Equal(t, models.CreditReasonSignupGrant, history[0].Reason)

	balance, _ := ledger.Balance(context.Background(), userID)
	assert.Equal(t, SignupGrant, balance)
}
