package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"intervia-backend/internal/models"
)

// ErrInsufficientBalance: the debit could not be applied without driving the
// balance negative.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func (r *CreditRepo) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx,
		"SELECT credit_balance FROM users WHERE id = $1", userID).Scan(&balance)
	return balance, err
}

// DebitSession charges a session exactly once. The compare-and-swap on
// charge_committed_at decides the winner; everything happens in one
// transaction, so a losing balance update rolls the stamp back too.
// Returns false with nil error when the charge was already committed.
func (r *CreditRepo) DebitSession(ctx context.Context, sessionID uuid.UUID, cost int) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE sessions
		SET charge_committed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND charge_committed_at IS NULL
		RETURNING user_id
	`, sessionID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET credit_balance = credit_balance - $2
		WHERE id = $1
		  AND credit_balance >= $2
	`, userID, cost)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, session_id, amount, reason)
		VALUES ($1, $2, $3, $4)
	`, userID, sessionID, -cost, models.CreditReasonSessionCharge)
	if err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// CreditOrder applies a provider-originated credit, idempotent by order id.
// Returns false with nil error when the order was seen before.
func (r *CreditRepo) CreditOrder(ctx context.Context, userID uuid.UUID, orderID string, amount int) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, amount, reason, order_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, userID, amount, models.CreditReasonPurchase, orderID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		"UPDATE users SET credit_balance = credit_balance + $2 WHERE id = $1",
		userID, amount)
	if err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// Grant credits without an external order (signup grants, goodwill).
func (r *CreditRepo) Grant(ctx context.Context, userID uuid.UUID, amount int, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, amount, reason)
		VALUES ($1, $2, $3)
	`, userID, amount, reason)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		"UPDATE users SET credit_balance = credit_balance + $2 WHERE id = $1",
		userID, amount)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *CreditRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, session_id, amount, reason, order_id, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []*models.CreditTransaction{}
	for rows.Next() {
		t := &models.CreditTransaction{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Amount, &t.Reason, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
