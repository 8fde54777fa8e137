package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"intervia-backend/internal/middleware"
	"intervia-backend/internal/models"
	"intervia-backend/internal/services"
)

// BillingHandler receives payment-provider webhooks and exposes the credit
// ledger to the account owner.
type BillingHandler struct {
	ledger        *services.CreditLedger
	redis         *redis.Client
	webhookSecret string
}

func NewBillingHandler(ledger *services.CreditLedger, redisClient *redis.Client, webhookSecret string) *BillingHandler {
	return &BillingHandler{
		ledger:        ledger,
		redis:         redisClient,
		webhookSecret: webhookSecret,
	}
}

// PaymentWebhook applies a completed purchase. The provider retries until it
// sees a 2xx, so the handler dedupes twice: event id at the ingress, order
// id inside the ledger.
func (h *BillingHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret != "" {
		provided := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.webhookSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResp("UNAUTHORIZED", "Invalid webhook secret", r))
			return
		}
	}

	var event models.PaymentWebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid webhook payload", r))
		return
	}

	fieldErrors := make(map[string]string)
	if event.EventID == "" {
		fieldErrors["event_id"] = "event_id is required"
	}
	if event.OrderID == "" {
		fieldErrors["order_id"] = "order_id is required"
	}
	if event.UserID == uuid.Nil {
		fieldErrors["user_id"] = "user_id is required"
	}
	if len(fieldErrors) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fieldErrors, r))
		return
	}

	// Ingress dedupe: a redelivered event id is acknowledged without
	// touching the ledger again.
	dedupeKey := "webhook_event:" + event.EventID
	fresh, err := h.redis.SetNX(r.Context(), dedupeKey, "1", 24*time.Hour).Result()
	if err == nil && !fresh {
		writeJSON(w, http.StatusOK, map[string]interface{}{"applied": false, "duplicate": true})
		return
	}

	applied, err := h.ledger.Credit(r.Context(), event.UserID, event.OrderID, event.Amount)
	if err != nil {
		// Let the provider redeliver
		h.redis.Del(r.Context(), dedupeKey)
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

// CreditHistory returns the caller's ledger entries, newest first.
func (h *BillingHandler) CreditHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	history, err := h.ledger.History(r.Context(), userID, 0)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      balance,
		"transactions": history,
	})
}
