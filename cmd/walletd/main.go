package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"wallet-pass-backend/config"
	"wallet-pass-backend/internal/api"
	"wallet-pass-backend/internal/apns"
	"wallet-pass-backend/internal/bulk"
	"wallet-pass-backend/internal/credentials"
	"wallet-pass-backend/internal/db"
	"wallet-pass-backend/internal/delivery"
	"wallet-pass-backend/internal/events"
	"wallet-pass-backend/internal/googlewallet"
	"wallet-pass-backend/internal/notification"
	"wallet-pass-backend/internal/passkit"
	"wallet-pass-backend/internal/passupdate"
	"wallet-pass-backend/internal/ratelimit"
	"wallet-pass-backend/internal/retention"
	"wallet-pass-backend/internal/storage"
	"wallet-pass-backend/internal/store"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "walletd ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	} else {
		logger.Println("VAPID keys are not configured; operator notifications are disabled")
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	logger.Println("data store initialized")

	blobs, err := storage.New(ctx, cfg.Storage, cfg.Google.ImageBaseURL)
	if err != nil {
		logger.Fatalf("failed to initialize %s storage: %v", cfg.Storage.Driver, err)
	}
	if closer, ok := blobs.(io.Closer); ok {
		defer closer.Close()
	}

	var wwdr *x509.Certificate
	if cfg.Apple.WWDRCertificatePath != "" {
		wwdr, err = credentials.LoadWWDR(cfg.Apple.WWDRCertificatePath)
		if err != nil {
			logger.Fatalf("failed to load WWDR certificate: %v", err)
		}
	} else {
		logger.Println("apple.wwdr_certificate_path is not set; Apple passes cannot be signed")
	}
	loader := credentials.NewLoader(blobs)

	// Shared counters for the Apple push budget and the Google patch ceiling
	var (
		counter ratelimit.Counter
		pruner  retention.CounterPruner
	)
	switch cfg.RateLimit.Backend {
	case "database":
		gormCounter := ratelimit.NewGormCounter(gormDB)
		counter, pruner = gormCounter, gormCounter
	default:
		counter = ratelimit.NewMemoryCounter()
	}
	logger.Printf("rate limit backend: %s", cfg.RateLimit.Backend)

	signer := passkit.NewSigner(blobs, loader, wwdr, cfg.Apple.WebServiceURL)
	publisher := googlewallet.NewPublisher(loader, counter, googlewallet.Options{
		BaseURL:         cfg.Google.BaseURL,
		Timeout:         time.Duration(cfg.Google.TimeoutSeconds) * time.Second,
		DailyPatchLimit: cfg.Google.DailyPatchLimit,
		SaveLinkOrigins: cfg.Google.SaveLinkOrigins,
		ImageURL:        blobs.URL,
	})
	dispatcher := apns.NewDispatcher(loader, counter, appStore, apns.Options{
		Production: cfg.Apple.PushEnvironment == "production",
		PerSecond:  cfg.Apple.PushPerSecondLimit,
		Timeout:    time.Duration(cfg.Apple.PushTimeoutSeconds) * time.Second,
	})

	eventPublisher, err := events.New(ctx, cfg.Events)
	if err != nil {
		logger.Fatalf("failed to initialize %s event publisher: %v", cfg.Events.Driver, err)
	}
	defer eventPublisher.Close()

	// Delivery tasks retry on their own schedule
	deliveryPool := delivery.NewWorkerPool(cfg.Delivery.Workers, cfg.Delivery.QueueSize,
		delivery.PolicyFromSeconds(cfg.Delivery.MaxRetries, cfg.Delivery.BackoffSeconds))
	deliveryPool.Start(ctx)
	logger.Printf("delivery pool started with %d workers", cfg.Delivery.Workers)

	updater := passupdate.NewService(appStore, signer, deliveryPool, dispatcher, publisher, eventPublisher)
	// Deliveries queued by a previous process died with it
	startedAt := time.Now()
	go func() {
		if _, err := updater.Recover(ctx, startedAt); err != nil {
			logger.Printf("failed to recover undelivered updates: %v", err)
		}
	}()

	notifications := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
	if webpushOptions != nil {
		notifications.Start(ctx)
	}

	var notifier bulk.Notifier
	if webpushOptions != nil {
		notifier = notifications
	}
	bulkSvc := bulk.NewService(ctx, appStore, updater, dispatcher, notifier, bulk.Options{
		PassesPerSecond: cfg.Bulk.PassesPerSecond,
		Burst:           cfg.Bulk.Burst,
	})
	if err := bulkSvc.Resume(ctx); err != nil {
		logger.Printf("failed to resume unfinished bulk updates: %v", err)
	}

	retentionSvc := retention.NewService(cfg.Retention, appStore, pruner)
	go retentionSvc.Run(ctx)

	// Initialize router
	router := api.NewRouter(api.Deps{
		Store:     appStore,
		Updater:   updater,
		Bulk:      bulkSvc,
		Signer:    signer,
		Google:    publisher,
		Artifacts: blobs,
		WebPush:   webpushOptions,
	}, cfg.Server)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: corsHandler.Handler(router),
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}

	// Unfinished bulk runs are resumed on the next start.
	cancel()
	bulkSvc.Wait()

	logger.Println("Server gracefully stopped")
}
