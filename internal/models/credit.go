package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction reasons.
const (
	CreditReasonSessionCharge = "session_charge"
	CreditReasonSignupGrant   = "signup_grant"
	CreditReasonPurchase      = "purchase"
)

// CreditTransaction is a single append-only ledger row. Amount is signed:
// negative for debits, positive for credits. OrderID is set only for
// provider-originated credits and is unique, which makes webhook retries
// no-ops.
type CreditTransaction struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Amount    int        `json:"amount"`
	Reason    string     `json:"reason"`
	OrderID   *string    `json:"order_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// PaymentWebhookEvent is the payload the payment provider delivers. EventID
// dedupes redeliveries at the ingress; OrderID dedupes inside the ledger.
type PaymentWebhookEvent struct {
	EventID   string    `json:"event_id"`
	OrderID   string    `json:"order_id"`
	UserID    uuid.UUID `json:"user_id"`
	ProductID string    `json:"product_id"`
	Amount    int       `json:"amount"`
}
