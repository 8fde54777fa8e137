package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"intervia-backend/internal/models"
)

// VoiceService talks to the conversational-voice provider: it issues
// short-lived conversation tokens for the browser and fetches transcripts
// after a session ends. The agent actually speaking to the candidate runs on
// the provider's side; we only broker access to it.
type VoiceService struct {
	apiKey            string
	baseURL           string
	technicalAgentID  string
	behavioralAgentID string
	httpClient        *http.Client
}

func NewVoiceService(apiKey, baseURL, technicalAgentID, behavioralAgentID string) *VoiceService {
	return &VoiceService{
		apiKey:            apiKey,
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		technicalAgentID:  technicalAgentID,
		behavioralAgentID: behavioralAgentID,
		httpClient:        &http.Client{Timeout: 15 * time.Second},
	}
}

// IssueConversationToken returns a token the client exchanges for a live
// voice conversation with the agent matching the interview mode.
func (s *VoiceService) IssueConversationToken(ctx context.Context, mode models.SessionMode) (string, error) {
	agentID := s.technicalAgentID
	if mode == models.ModeBehavioral {
		agentID = s.behavioralAgentID
	}

	endpoint := fmt.Sprintf("%s/v1/convai/conversation/token?agent_id=%s", s.baseURL, url.QueryEscape(agentID))
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("voice provider returned an empty token")
	}
	return resp.Token, nil
}

// FetchTranscript pulls the finished conversation and flattens it into a
// timestamped text transcript for analysis.
func (s *VoiceService) FetchTranscript(ctx context.Context, conversationID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversations/%s", s.baseURL, url.PathEscape(conversationID))
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var resp struct {
		Transcript []struct {
			Role           string  `json:"role"`
			Message        string  `json:"message"`
			TimeInCallSecs float64 `json:"time_in_call_secs"`
		} `json:"transcript"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode conversation response: %w", err)
	}

	var b strings.Builder
	for _, turn := range resp.Transcript {
		if turn.Message == "" {
			continue
		}
		speaker := "Candidate"
		if turn.Role == "agent" {
			speaker = "Interviewer"
		}
		b.WriteString(fmt.Sprintf("[%ds] %s: %s\n", int(turn.TimeInCallSecs), speaker, turn.Message))
	}
	return b.String(), nil
}

func (s *VoiceService) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read voice provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voice provider returned status %d", resp.StatusCode)
	}
	return body, nil
}
