package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Gemini AI
	GeminiAPIKey         string
	GeminiConcurrentReqs int

	// Voice provider
	VoiceAPIKey            string
	VoiceAPIBaseURL        string
	VoiceTechnicalAgentID  string
	VoiceBehavioralAgentID string

	// Payments
	PaymentWebhookSecret string

	// Timer worker
	TimerWorkerCount int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		DatabaseURL:          mustGetEnv("DATABASE_URL"),
		RedisURL:             mustGetEnv("REDIS_URL"),
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		GeminiAPIKey:         mustGetEnv("GEMINI_API_KEY"),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),

		VoiceAPIKey:            mustGetEnv("VOICE_API_KEY"),
		VoiceAPIBaseURL:        getEnvOrDefault("VOICE_API_BASE_URL", "https://api.elevenlabs.io"),
		VoiceTechnicalAgentID:  mustGetEnv("VOICE_TECHNICAL_AGENT_ID"),
		VoiceBehavioralAgentID: mustGetEnv("VOICE_BEHAVIORAL_AGENT_ID"),

		PaymentWebhookSecret: getEnvOrDefault("PAYMENT_WEBHOOK_SECRET", ""),

		TimerWorkerCount: getEnvAsIntOrDefault("TIMER_WORKER_COUNT", 3),

		FrontendURL: getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
