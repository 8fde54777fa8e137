package config

import (
	"os"
	"testing"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal string
		expected   string
	}{
		{"uses env value", "TEST_VAR_1", "hello", "default", "hello"},
		{"uses default when empty", "TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsIntOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"parses integer", "TEST_INT_1", "42", 10, 42},
		{"uses default for empty", "TEST_INT_2", "", 10, 10},
		{"uses default for non-numeric", "TEST_INT_3", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsIntOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, result)
			}
		})
	}
}

func TestMustGetEnv_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing required env var")
		}
	}()

	os.Unsetenv("NONEXISTENT_REQUIRED_VAR")
	mustGetEnv("NONEXISTENT_REQUIRED_VAR")
}

func TestLoad_RequiredAndDefaults(t *testing.T) {
	required := map[string]string{
		"DATABASE_URL":              "postgres://localhost/intervia",
		"REDIS_URL":                 "redis://localhost:6379",
		"JWT_SECRET":                "secret",
		"GEMINI_API_KEY":            "key",
		"VOICE_API_KEY":             "vkey",
		"VOICE_TECHNICAL_AGENT_ID":  "agent-tech",
		"VOICE_BEHAVIORAL_AGENT_ID": "agent-behav",
	}
	for k, v := range required {
		os.Setenv(k, v)
		defer os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %q", cfg.Port)
	}
	if cfg.VoiceAPIBaseURL != "https://api.elevenlabs.io" {
		t.Errorf("Unexpected voice base URL %q", cfg.VoiceAPIBaseURL)
	}
	if cfg.GeminiConcurrentReqs != 5 {
		t.Errorf("Expected default concurrency 5, got %d", cfg.GeminiConcurrentReqs)
	}
	if cfg.TimerWorkerCount != 3 {
		t.Errorf("Expected default timer workers 3, got %d", cfg.TimerWorkerCount)
	}
}
