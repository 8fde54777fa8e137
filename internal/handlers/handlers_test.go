package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"intervia-backend/internal/models"
	"intervia-backend/internal/services"
)

// ─── Service Error Mapping Tests ───

func TestHandleServiceError_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &services.ValidationError{Fields: map[string]string{"mode": "bad"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"conflict", &services.ConflictError{Message: "already in progress"}, http.StatusConflict, "CONFLICT"},
		{"not found", &services.NotFoundError{Message: "missing"}, http.StatusNotFound, "NOT_FOUND"},
		{"unauthorized", &services.UnauthorizedError{Message: "nope"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"forbidden", &services.ForbiddenError{Message: "not yours"}, http.StatusForbidden, "FORBIDDEN"},
		{"invalid state", &services.InvalidStateError{Current: "active", Expected: "setup"}, http.StatusConflict, "INVALID_STATE"},
		{"insufficient credits", &services.InsufficientCreditsError{Balance: 5, Required: 15}, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{"rate limited", &services.RateLimitError{Message: "slow down", RetryAfterMs: 9000}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"external", &services.ExternalError{Provider: "analyzer", Err: errors.New("boom")}, http.StatusBadGateway, "EXTERNAL_ERROR"},
		{"unknown", errors.New("surprise"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
			req.Header.Set("X-Request-ID", "req-123")
			rr := httptest.NewRecorder()

			handleServiceError(rr, req, tc.err)

			if rr.Code != tc.wantStatus {
				t.Errorf("Expected status %d, got %d", tc.wantStatus, rr.Code)
			}

			var resp models.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if resp.Error.Code != tc.wantCode {
				t.Errorf("Expected code %q, got %q", tc.wantCode, resp.Error.Code)
			}
			if resp.Error.RequestID != "req-123" {
				t.Errorf("Expected request id to be echoed, got %q", resp.Error.RequestID)
			}
		})
	}
}

func TestHandleServiceError_RateLimitIncludesRetryAfter(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()

	handleServiceError(rr, req, &services.RateLimitError{Message: "slow down", RetryAfterMs: 9000})

	var resp models.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if resp.Error.RetryAfterMs != 9000 {
		t.Errorf("Expected retry_after_ms 9000, got %d", resp.Error.RetryAfterMs)
	}
}

func TestHandleServiceError_ExternalErrorHidesProviderDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()

	handleServiceError(rr, req, &services.ExternalError{Provider: "analyzer", Err: errors.New("api key sk-secret rejected")})

	var resp models.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if resp.Error.Message == "" || resp.Error.Message == "api key sk-secret rejected" {
		t.Errorf("Upstream error detail must not leak to clients, got %q", resp.Error.Message)
	}
}

func TestValidationErrorIncludesFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()

	handleServiceError(rr, req, &services.ValidationError{Fields: map[string]string{
		"job_description": "Job description is too short",
	}})

	var resp models.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if resp.Error.Fields["job_description"] == "" {
		t.Errorf("Expected field-level error for job_description, got %v", resp.Error.Fields)
	}
}
