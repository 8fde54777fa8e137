package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intervia-backend/internal/config"
	"intervia-backend/internal/database"
	"intervia-backend/internal/handlers"
	"intervia-backend/internal/middleware"
	"intervia-backend/internal/ratelimit"
	"intervia-backend/internal/repository"
	"intervia-backend/internal/router"
	"intervia-backend/internal/services"
	"intervia-backend/internal/websocket"
	"intervia-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting Intervia Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	userRepo := repository.NewUserRepo(pool)
	sessionRepo := repository.NewSessionRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)

	// ──── Step 5: Initialize Gemini Client ────
	geminiService, err := services.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs)
	if err != nil {
		log.Fatalf("✗ Gemini client initialization failed: %v", err)
	}
	defer geminiService.Close()
	log.Println("✓ Gemini Flash client initialized")

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)

	limiter := ratelimit.New(redisClients.Queue, map[string]ratelimit.Rule{
		"interview.create": {
			Algorithm: ratelimit.FixedWindow,
			Limit:     10,
			Window:    time.Hour,
		},
		"interview.setup": {
			Algorithm: ratelimit.TokenBucket,
			Rate:      4,
			Period:    time.Minute,
			Capacity:  4,
		},
		"interview.analysis": {
			Algorithm: ratelimit.TokenBucket,
			Rate:      4,
			Period:    time.Minute,
			Capacity:  4,
		},
	})

	creditLedger := services.NewCreditLedger(creditRepo)
	publisher := services.NewStatusPublisher(redisClients.Queue)
	voiceService := services.NewVoiceService(cfg.VoiceAPIKey, cfg.VoiceAPIBaseURL, cfg.VoiceTechnicalAgentID, cfg.VoiceBehavioralAgentID)

	timerService := services.NewTimerService(sessionRepo, creditLedger, taskRepo, redisClients.Queue)
	sessionService := services.NewSessionService(sessionRepo, timerService, publisher)
	timerService.SetFinalizer(sessionService)

	setupService := services.NewSetupService(sessionRepo, limiter, geminiService, sessionService)
	analysisService := services.NewAnalysisService(sessionRepo, limiter, voiceService, geminiService, sessionService)
	authService := services.NewAuthService(userRepo, creditLedger, redisClients.Queue, jwtAuth)

	// ──── Initialize Handlers ────
	authHandler := handlers.NewAuthHandler(authService)
	sessionHandler := handlers.NewSessionHandler(sessionService, setupService, analysisService, timerService, voiceService, limiter)
	billingHandler := handlers.NewBillingHandler(creditLedger, redisClients.Queue, cfg.PaymentWebhookSecret)
	userHandler := handlers.NewUserHandler(authService)

	// ──── Step 6: Start Timer Sweep and Worker Pool ────
	timerService.Start()
	log.Println("✓ Session timer sweep started")

	workerPool := worker.NewPool(redisClients.Queue, timerService, cfg.TimerWorkerCount)
	workerPool.Start()
	log.Printf("✓ Timer worker pool started (%d goroutines)", cfg.TimerWorkerCount)

	// ──── Step 7: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, cfg.JWTSecret)
	log.Println("✓ WebSocket hub started")

	// ──── Step 8: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		authHandler,
		sessionHandler,
		billingHandler,
		userHandler,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		workerPool.Stop()
		timerService.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ Intervia Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
