package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/predatorx7/intakelog/pkg/auth"
	"github.com/predatorx7/intakelog/pkg/config"
	"github.com/predatorx7/intakelog/pkg/consolelog"
	"github.com/predatorx7/intakelog/pkg/logger"
	badgerstore "github.com/predatorx7/intakelog/pkg/storage/badger"
	"github.com/predatorx7/intakelog/pkg/upload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", os.Getenv("INTAKELOG_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	console, err := consolelog.New(cfg.Console)
	if err != nil {
		log.Fatalf("console logger: %v", err)
	}
	defer console.Sync()

	// 2. Durable store
	store := badgerstore.NewStore(cfg.Store.Dir, console)
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := store.DeleteOldLogs(startCtx, cfg.Store.RetentionDays); err != nil {
		console.Warn("retention cleanup failed", zap.Error(err))
	}
	cancel()

	// 3. Upload pipeline and logging facade
	if cfg.Upload.SigningSecret == "" {
		console.Warn("INTAKELOG_SIGNING_SECRET not set, using default 'dev-secret'")
		cfg.Upload.SigningSecret = "dev-secret"
	}
	issuer, err := upload.NewHTTPCredentialIssuer(
		cfg.Upload.Endpoint,
		&http.Client{Timeout: cfg.Upload.Timeout},
		auth.Signer{ClientID: cfg.Upload.ClientID, Secret: []byte(cfg.Upload.SigningSecret)},
	)
	if err != nil {
		console.Fatal("upload credentials", zap.Error(err))
	}

	var uploader *upload.Uploader
	lg := logger.New(store, store, logger.Options{
		MinLevel:      cfg.MinLevel(),
		BatchSize:     cfg.Logger.BatchSize,
		FlushInterval: cfg.Logger.FlushInterval,
		MaxPending:    cfg.Logger.MaxPending,
		Console:       console,
		Device:        cfg.Device,
		OnFlush: func(ctx context.Context) {
			if _, err := uploader.Trigger(ctx); err != nil {
				console.Warn("upload trigger failed", zap.Error(err))
			}
		},
	})

	var limiter *rate.Limiter
	if cfg.Upload.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Upload.RatePerSecond), max(cfg.Upload.Burst, 1))
	}
	worker := &upload.Worker{
		Store:       store,
		Credentials: issuer,
		Transport:   upload.HTTPTransport{Client: &http.Client{Timeout: cfg.Upload.Timeout}},
		Reporter:    lg,
		MaxAttempts: cfg.Upload.MaxAttempts,
		Log:         console.Named("upload"),
	}
	queue := upload.NewQueue(worker.Process, upload.QueueOptions{Limiter: limiter, Log: console})
	uploader = upload.NewUploader(store, queue, cfg.Upload.FetchLimit)

	logger.SetDefault(lg)
	lg.Start()
	lg.Info("intake agent started", map[string]any{"store": cfg.Store.Dir})

	// Rows left over from a previous run.
	go func() {
		if _, err := uploader.Trigger(context.Background()); err != nil {
			console.Warn("initial upload trigger failed", zap.Error(err))
		}
	}()

	// 4. Router
	if cfg.APISecret == "" {
		console.Warn("INTAKELOG_API_SECRET not set, using default 'dev-secret'")
		cfg.APISecret = "dev-secret"
	}
	handler := &Handler{
		Logger:   lg,
		Uploader: uploader,
		Store:    store,
		Queue:    queue,
		Verifier: func(key string) (bool, string, error) {
			return auth.VerifyAPIKey(key, []byte(cfg.APISecret))
		},
	}
	r := NewRouter(handler)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
	}

	go func() {
		console.Info("starting intake agent", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			console.Fatal("listen", zap.Error(err))
		}
	}()

	// 5. Graceful shutdown: the signal plays the role of the page going away.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	lg.FlushOnHide()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		console.Error("server shutdown", zap.Error(err))
	}
	if err := lg.Close(ctx); err != nil {
		console.Error("final flush failed", zap.Error(err))
	}
	if err := queue.Wait(ctx); err != nil {
		console.Warn("upload drain interrupted", zap.Error(err))
	}
	queue.Stop()
	if err := store.Close(); err != nil {
		console.Error("store close", zap.Error(err))
	}
	console.Info("intake agent exiting")
}

// NewRouter wires the agent's HTTP surface.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/status", h.HandleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.RequireAPIKey)
		r.Post("/logs", h.HandleLogs)
		r.Post("/flush", h.HandleFlush)
		r.Post("/upload", h.HandleUpload)
		r.Put("/patient", h.HandlePatient)
		r.Post("/patient-session", h.HandlePatientSession)
		r.Put("/user", h.HandleUser)
		r.Put("/location", h.HandleLocation)
		r.Get("/export.json", h.HandleExportJSON)
	})
	return r
}
