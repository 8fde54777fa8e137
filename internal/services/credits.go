package services

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"intervia-backend/internal/models"
	"intervia-backend/internal/repository"
)

const (
	// SessionCost is the fixed charge per billable interview session.
	SessionCost = 15
	// SignupGrant is the credit balance a new account starts with.
	SignupGrant = 30
)

// CreditLedger owns the append-only transaction log and the denormalized
// balance on the user record. All debits and credits go through here.
type CreditLedger struct {
	credits creditRepository
}

func NewCreditLedger(credits creditRepository) *CreditLedger {
	return &CreditLedger{credits: credits}
}

func (l *CreditLedger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return l.credits.Balance(ctx, userID)
}

// Debit charges a session at most once. Safe under concurrent invocation:
// the repository's compare-and-swap on charge_committed_at picks a single
// winner, and a losing call is a no-op. An insufficient balance at this
// point means the interview proceeds unbilled; that is logged, never
// surfaced as a failure to the session flow.
func (l *CreditLedger) Debit(ctx context.Context, sessionID uuid.UUID) error {
	charged, err := l.credits.DebitSession(ctx, sessionID, SessionCost)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		log.Printf("credit debit skipped for session %s: balance below %d, session proceeds unbilled", sessionID, SessionCost)
		return nil
	}
	if err != nil {
		return err
	}
	if charged {
		log.Printf("charged %d credits for session %s", SessionCost, sessionID)
	}
	return nil
}

// Credit applies a payment-provider credit, idempotent by order id. Returns
// whether the balance actually changed.
func (l *CreditLedger) Credit(ctx context.Context, userID uuid.UUID, orderID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, &ValidationError{Fields: map[string]string{"amount": "must be positive"}}
	}
	applied, err := l.credits.CreditOrder(ctx, userID, orderID, amount)
	if err != nil {
		return false, err
	}
	if !applied {
		log.Printf("duplicate credit order %s for user %s ignored", orderID, userID)
	}
	return applied, nil
}

// Grant credits without an external order (signup grants).
func (l *CreditLedger) Grant(ctx context.Context, userID uuid.UUID, amount int, reason string) error {
	return l.credits.Grant(ctx, userID, amount, reason)
}

func (l *CreditLedger) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return l.credits.ListByUser(ctx, userID, limit)
}
