package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/docwatch/internal/docwatch"
	"github.com/agentworkforce/docwatch/internal/httpapi"
)

func main() {
	addr := os.Getenv("DOCWATCH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := log.New(os.Stderr, "docwatch ", log.LstdFlags|log.LUTC)

	upstreamBase := strings.TrimSpace(os.Getenv("DOCWATCH_UPSTREAM_BASE_URL"))
	if upstreamBase == "" {
		logger.Fatal("DOCWATCH_UPSTREAM_BASE_URL is required")
	}
	upstreamToken := staticToken(os.Getenv("DOCWATCH_UPSTREAM_TOKEN"))

	metadata := docwatch.NewHTTPMetadataClient(docwatch.MetadataClientOptions{
		BaseURL:           upstreamBase,
		TokenProvider:     upstreamToken,
		RequestsPerSecond: floatEnv("DOCWATCH_UPSTREAM_RPS", 0),
		MaxRetries:        intEnv("DOCWATCH_UPSTREAM_MAX_RETRIES", 0),
	})

	var registrar docwatch.WebhookRegistrar = docwatch.NoopRegistrar{}
	if callbackURL := strings.TrimSpace(os.Getenv("DOCWATCH_CALLBACK_URL")); callbackURL != "" {
		registrar = docwatch.NewHTTPWebhookRegistrar(docwatch.RegistrarOptions{
			BaseURL:       upstreamBase,
			CallbackURL:   callbackURL,
			TokenProvider: upstreamToken,
			Logger:        logger,
		})
	}

	var messenger docwatch.ThreadMessenger
	if chatBase := strings.TrimSpace(os.Getenv("DOCWATCH_CHAT_BASE_URL")); chatBase != "" {
		messenger = docwatch.NewHTTPThreadMessenger(docwatch.MessengerOptions{
			BaseURL:       chatBase,
			TokenProvider: staticToken(os.Getenv("DOCWATCH_CHAT_TOKEN")),
		})
	} else {
		logger.Printf("DOCWATCH_CHAT_BASE_URL not set, notifications will be logged and dropped")
	}

	trackedStore, eventStore, snapshotStore, queue, err := buildStorageFromEnv(logger)
	if err != nil {
		logger.Fatalf("failed to initialize storage backends: %v", err)
	}

	tracker := docwatch.NewTracker(docwatch.TrackerOptions{
		Metadata:        metadata,
		Registrar:       registrar,
		Messenger:       messenger,
		TrackedStore:    trackedStore,
		EventStore:      eventStore,
		SnapshotStore:   snapshotStore,
		Queue:           queue,
		PollInterval:    durationEnv("DOCWATCH_POLL_INTERVAL", 0),
		PollConcurrency: intEnv("DOCWATCH_POLL_CONCURRENCY", 0),
		RemoveThreshold: intEnv("DOCWATCH_REMOVE_THRESHOLD", 0),
		AnalysisWorkers: intEnv("DOCWATCH_ANALYSIS_WORKERS", 0),
		RulesPath:       strings.TrimSpace(os.Getenv("DOCWATCH_RULES_FILE")),
		Logger:          logger,
	})
	defer tracker.Close()

	server := httpapi.NewServerWithConfig(tracker, httpapi.ServerConfig{
		WebhookSecret:   os.Getenv("DOCWATCH_WEBHOOK_SECRET"),
		WebhookMaxSkew:  durationEnv("DOCWATCH_WEBHOOK_MAX_SKEW", 5*time.Minute),
		APIToken:        os.Getenv("DOCWATCH_API_TOKEN"),
		DevMode:         boolEnv("DOCWATCH_DEV_MODE"),
		RateLimitMax:    intEnv("DOCWATCH_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DOCWATCH_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("DOCWATCH_MAX_BODY_BYTES", 0),
	}, logger)

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		logger.Printf("docwatch listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
}

func staticToken(token string) docwatch.AccessTokenProvider {
	token = strings.TrimSpace(token)
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// buildStorageFromEnv selects the durable postgres backends when a DSN is
// configured and falls back to in-memory otherwise. A single DSN covers all
// four concerns; each store manages its own schema.
func buildStorageFromEnv(logger docwatch.Logger) (docwatch.TrackedStore, docwatch.EventStore, docwatch.SnapshotStore, docwatch.CandidateQueue, error) {
	dsn := strings.TrimSpace(os.Getenv("DOCWATCH_DB_DSN"))
	queueCapacity := intEnv("DOCWATCH_QUEUE_CAPACITY", 0)
	snapshotRetention := intEnv("DOCWATCH_SNAPSHOT_RETENTION", 0)
	if dsn == "" {
		logger.Printf("DOCWATCH_DB_DSN not set, using in-memory storage")
		return docwatch.NewMemoryTrackedStore(),
			docwatch.NewMemoryEventStore(),
			docwatch.NewMemorySnapshotStore(snapshotRetention),
			docwatch.NewMemoryCandidateQueue(queueCapacity),
			nil
	}
	trackedStore, err := docwatch.NewPostgresTrackedStore(dsn)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	eventStore, err := docwatch.NewPostgresEventStore(dsn)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	snapshotStore, err := docwatch.NewPostgresSnapshotStore(dsn, snapshotRetention)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	queue, err := docwatch.NewPostgresCandidateQueue(dsn, queueCapacity)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return trackedStore, eventStore, snapshotStore, queue, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return raw == "1" || raw == "true" || raw == "yes"
}
