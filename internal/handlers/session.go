package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"intervia-backend/internal/middleware"
	"intervia-backend/internal/models"
	"intervia-backend/internal/ratelimit"
	"intervia-backend/internal/services"
)

type SessionHandler struct {
	sessions *services.SessionService
	setup    *services.SetupService
	analysis *services.AnalysisService
	timers   *services.TimerService
	voice    *services.VoiceService
	limiter  *ratelimit.Limiter
}

func NewSessionHandler(
	sessions *services.SessionService,
	setup *services.SetupService,
	analysis *services.AnalysisService,
	timers *services.TimerService,
	voice *services.VoiceService,
	limiter *ratelimit.Limiter,
) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		setup:    setup,
		analysis: analysis,
		timers:   timers,
		voice:    voice,
		limiter:  limiter,
	}
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	res, err := h.limiter.Check(r.Context(), "interview.create", userID.String())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !res.Allowed {
		writeJSON(w, http.StatusTooManyRequests,
			errorRespWithRetry("RATE_LIMITED", "Too many interview sessions created", res.RetryAfterMs, r))
		return
	}

	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	session, err := h.sessions.Create(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sessions, err := h.sessions.List(r.Context(), userID, 0)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.Get(r.Context(), sessionID, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Setup runs question generation for the session.
func (h *SessionHandler) Setup(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	result, err := h.setup.StartSetup(r.Context(), sessionID, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Activate marks the mic-on moment: setup -> active.
func (h *SessionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	var req models.ActivateSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
			return
		}
	}

	startedAt, err := h.sessions.TransitionToActive(r.Context(), sessionID, userID, req.MicOnAtMs)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     models.StatusActive,
		"started_at": startedAt,
	})
}

// End closes the conversation: active -> analyzing. The charge check runs
// inline as well as on its timer, so a session ended right after the
// threshold is billed without waiting for the sweep.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	var req models.EndSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
			return
		}
	}

	duration, err := h.sessions.TransitionToAnalyzing(r.Context(), sessionID, userID, req.ConversationID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.timers.EnsureCharge(r.Context(), sessionID); err != nil {
		log.Printf("inline charge check failed for session %s: %v", sessionID, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           models.StatusAnalyzing,
		"duration_seconds": duration,
	})
}

// Analyze scores the finished session: analyzing -> complete.
func (h *SessionHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	result, err := h.analysis.AnalyzeSession(r.Context(), sessionID, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// VoiceToken issues a short-lived token for the browser to open the voice
// conversation with the interviewer agent.
func (h *SessionHandler) VoiceToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.Get(r.Context(), sessionID, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if session.Status != models.StatusSetup && session.Status != models.StatusActive {
		handleServiceError(w, r, &services.InvalidStateError{
			Current:  string(session.Status),
			Expected: string(models.StatusSetup),
		})
		return
	}

	token, err := h.voice.IssueConversationToken(r.Context(), session.Mode)
	if err != nil {
		handleServiceError(w, r, &services.ExternalError{Provider: "voice", Err: err})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"mode":  session.Mode,
	})
}

func parseSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return uuid.Nil, false
	}
	return sessionID, true
}
