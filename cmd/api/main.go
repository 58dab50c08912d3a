//	@title			FlipBG API
//	@version		1.0
//	@description	Background removal and mirroring pipeline with anonymous demo and per-account storage.
//
//	@host		localhost:8080
//	@BasePath	/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/flipbg/service/internal/admission"
	"github.com/flipbg/service/internal/config"
	"github.com/flipbg/service/internal/db"
	"github.com/flipbg/service/internal/image"
	"github.com/flipbg/service/internal/logger"
	appMiddleware "github.com/flipbg/service/internal/middleware"
	"github.com/flipbg/service/internal/observability"
	"github.com/flipbg/service/internal/quota"
	"github.com/flipbg/service/internal/storage"
	"github.com/flipbg/service/internal/transform"

	_ "github.com/flipbg/service/docs/swagger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flipbg: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log = log.With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, log); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}

	store, filesHandler, err := storage.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("object storage init failed: %w", err)
	}

	admissionStore, closeAdmission, err := newAdmissionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("admission store init failed: %w", err)
	}
	defer closeAdmission()

	if cfg.RemoveBGAPIKey == "" {
		log.Warn().Msg("REMOVE_BG_API_KEY is not set; every transform will fail")
	}

	// Wire dependencies: repository → service → handler
	imageRepo := image.NewPGRepository(pool)
	ledger := quota.NewLedger(imageRepo, cfg.DailyLimit, quota.CountFailed(cfg.QuotaCountFailed))
	remover := transform.NewRemoveBGClient(cfg.RemoveBGAPIKey, cfg.RemoveBGEndpoint, cfg.RemoveBGTimeout, log)
	imageSvc := image.NewService(imageRepo, store, transform.NewPipeline(remover, cfg.RemoveBGSize), ledger,
		image.WithSignedURLTTL(cfg.SignedURLTTL),
		image.WithMaxUploadBytes(cfg.MaxUploadBytes),
		image.WithLogger(log),
	)
	imageHandler := image.NewHandler(imageSvc, log)

	admissionCtrl := admission.NewController(admissionStore, cfg.DemoRateLimit, cfg.DemoRateWindow, admission.WithLogger(log))
	go admissionCtrl.RunJanitor(ctx, cfg.AdmissionPurgeInterval)

	if cfg.SweepInterval > 0 {
		sweeper := image.NewSweeper(imageRepo, store,
			image.WithOrphanGrace(cfg.OrphanGrace),
			image.WithDemoRetention(cfg.DemoRetention),
			image.WithSweepLogger(log),
		)
		go sweeper.RunEvery(ctx, cfg.SweepInterval)
	}

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(log))
	r.Use(appMiddleware.Metrics)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Swagger UI at http://localhost:8080/swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Blobs of the in-memory backend; STORAGE_PUBLIC_BASE must point here.
	if filesHandler != nil {
		r.Handle("/files/*", http.StripPrefix("/files", filesHandler))
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		imageHandler.Register(r,
			appMiddleware.RequireAuth(cfg.JWTSecret),
			appMiddleware.Admission(admissionCtrl, log),
		)
	})

	// The write timeout covers a full transform plus the storage writes.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.RemoveBGTimeout + 60*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.AppEnv).Msg("server listening")
		log.Info().Msgf("swagger UI at http://localhost:%s/swagger/", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

func newAdmissionStore(ctx context.Context, cfg *config.Config) (admission.Store, func(), error) {
	if cfg.AdmissionBackend == "redis" {
		rs, err := admission.NewRedisStore(ctx, cfg.RedisURL, cfg.ServiceName+":admission:")
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	return admission.NewMemoryStore(), func() {}, nil
}
