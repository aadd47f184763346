package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"caldesk-cloud/gcal"
	"caldesk-cloud/mirror"
	"caldesk-cloud/realtime"
	"caldesk-cloud/security"
	"caldesk-cloud/syncer"
	"caldesk-cloud/watch"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.0.1"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting CalDesk Cloud Server...")

	// Initialize Redis
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	if strings.HasPrefix(redisURL, "redis://") {
		redisURL = strings.TrimPrefix(redisURL, "redis://")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	// Credential store
	cipherKey := os.Getenv("TOKEN_CIPHER_KEY")
	if cipherKey == "" {
		log.Fatal("TOKEN_CIPHER_KEY environment variable is required")
	}
	cipher, err := security.NewTokenCipherFromBase64(cipherKey)
	if err != nil {
		log.Fatalf("Failed to init token cipher: %v", err)
	}

	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET environment variables are required")
	}
	redirectURL := getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/auth/google/calendar/callback")
	oauthConfig := security.NewOAuthConfig(clientID, clientSecret, redirectURL)

	credentials := security.NewCredentialStore(redisClient, oauthConfig, cipher)
	credentials.SetRefreshThreshold(parseDurationOrDefault(os.Getenv("TOKEN_REFRESH_THRESHOLD"), security.DefaultRefreshThreshold))

	// Provider factory, one authenticated client per call so every
	// operation sees a fresh token.
	providers := gcal.ProviderFactory(func(ctx context.Context, userID string) (gcal.Provider, error) {
		client, err := credentials.Client(ctx, userID)
		if err != nil {
			return nil, err
		}
		return gcal.NewProvider(ctx, client)
	})

	// Event mirror
	eventStore := mirror.NewRedisStore(redisClient)
	events := mirror.NewService(eventStore, providers)
	events.SetAntiLoopWindow(parseDurationOrDefault(os.Getenv("CALENDAR_ANTILOOP_WINDOW"), mirror.DefaultAntiLoopWindow))

	// Watch channels
	baseURL := strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")
	watchEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("CALENDAR_WATCH_ENABLED"))) != "false"
	watches := watch.NewManager(redisClient, providers, baseURL, watchEnabled)
	watches.SetChannelTTL(parseDurationOrDefault(os.Getenv("CALENDAR_WATCH_TTL"), watch.DefaultChannelTTL))

	// Sync engine
	engine := syncer.NewEngine(providers, events, watches)

	// Realtime notifications
	hub := realtime.NewHub()

	// Maintenance jobs
	renewEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("CALENDAR_WATCH_RENEW_ENABLED"))) != "false"
	renewInterval := parseDurationOrDefault(os.Getenv("CALENDAR_WATCH_RENEW_INTERVAL"), 5*time.Minute)
	renewLookahead := parseDurationOrDefault(os.Getenv("CALENDAR_WATCH_RENEW_LOOKAHEAD"), time.Hour)
	NewWatchRenewalJob(watches, renewInterval, renewLookahead, renewEnabled).Start(ctx)

	cleanupEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("CALENDAR_WATCH_CLEANUP_ENABLED"))) != "false"
	cleanupInterval := parseDurationOrDefault(os.Getenv("CALENDAR_WATCH_CLEANUP_INTERVAL"), time.Hour)
	retention := parseDurationOrDefault(os.Getenv("CALENDAR_WATCH_RETENTION"), watch.DefaultRetention)
	NewWatchCleanupJob(watches, cleanupInterval, retention, cleanupEnabled).Start(ctx)

	backupEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("CALENDAR_BACKUP_SYNC_ENABLED"))) != "false"
	backupInterval := parseDurationOrDefault(os.Getenv("CALENDAR_BACKUP_SYNC_INTERVAL"), 2*time.Hour)
	NewBackupSyncJob(credentials, engine, watches, backupInterval, backupEnabled).Start(ctx)

	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	frontendURL := os.Getenv("FRONTEND_REDIRECT_URL")
	NewGoogleAuthHandler(credentials, watches, engine, events, frontendURL).RegisterRoutes(r)
	NewCalendarEventsHandler(credentials, events, engine, watches).RegisterRoutes(r)
	NewCalendarWebhookHandler(engine, watches, hub).RegisterRoutes(r)
	hub.RegisterRoutes(r)

	// Configure server
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	log.Printf("CalDesk Cloud Server v%s starting on %s", VERSION, srv.Addr)

	// Setup graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop maintenance jobs
	cancel()

	// Shutdown server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "caldesk-cloud",
	}

	json.NewEncoder(w).Encode(response)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "CalDesk Cloud API Server",
		"version": VERSION,
		"docs":    "/docs",
	}

	json.NewEncoder(w).Encode(response)
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
