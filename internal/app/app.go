package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/forge/internal/config"
	"github.com/wisbric/forge/internal/httpserver"
	"github.com/wisbric/forge/internal/identity"
	"github.com/wisbric/forge/internal/obs"
	"github.com/wisbric/forge/internal/platform"
	"github.com/wisbric/forge/pkg/adsession"
	"github.com/wisbric/forge/pkg/dispatcher"
	"github.com/wisbric/forge/pkg/endpoint"
	"github.com/wisbric/forge/pkg/job"
	"github.com/wisbric/forge/pkg/ledger"
	"github.com/wisbric/forge/pkg/mediastore"
	"github.com/wisbric/forge/pkg/opsnotify"
	"github.com/wisbric/forge/pkg/realtime"
	"github.com/wisbric/forge/pkg/rowstore"
)

// jobsChangedChannel is the Redis pub/sub channel the jobs row-store poller
// publishes to, and that both the realtime hub and the dispatcher subscribe
// to independently.
const jobsChangedChannel = "forge:jobs:changed"

// jobsPollInterval is how often the poller checks for job rows that changed.
const jobsPollInterval = 2 * time.Second

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting forge", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(obs.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildMediaRotator constructs the media store account pool from config,
// wiring one CloudinaryUploader per configured account.
func buildMediaRotator(cfg *config.Config, logger *slog.Logger) (*mediastore.Rotator, error) {
	accountConfigs, err := mediastore.LoadAccountConfigs(cfg.MediaAccountsJSON)
	if err != nil {
		return nil, fmt.Errorf("loading media store accounts: %w", err)
	}

	accounts := make([]*mediastore.Account, 0, len(accountConfigs))
	for _, ac := range accountConfigs {
		accounts = append(accounts, &mediastore.Account{
			Name:     ac.Name,
			Uploader: mediastore.NewCloudinaryUploader(ac.CloudName, ac.APIKey, ac.APISecret),
		})
	}

	return mediastore.NewRotator(accounts, logger), nil
}

// buildIdentityVerifier constructs the Verifier that authenticates every
// bearer-token request, delegating to the external identity service.
func buildIdentityVerifier(cfg *config.Config) identity.Verifier {
	return identity.NewHTTPVerifier(cfg.IdentityServiceURL, cfg.IdentityServiceKey)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	media, err := buildMediaRotator(cfg, logger)
	if err != nil {
		return err
	}

	endpointStore := endpoint.NewStore(db)
	endpointRegistry := endpoint.NewRegistry(endpointStore, logger)
	endpointHandler := endpoint.NewHandler(endpointRegistry, logger)

	ledgerStore := ledger.NewStore(db)
	ledgerService := ledger.NewService(ledgerStore, rdb, logger)
	ledgerHandler := ledger.NewHandler(ledgerStore, ledgerService, logger)

	jobStore := job.NewStore(db)
	jobService := job.NewService(jobStore, ledgerService, logger)

	hub := realtime.NewHub(rdb, jobsChangedChannel, logger)
	go func() {
		if err := hub.Run(ctx); err != nil {
			logger.Error("realtime hub stopped", "error", err)
		}
	}()

	jobHandler := job.NewHandler(jobService, media, hub, logger)

	adsessionStore := adsession.NewStore(db)
	adsessionService := adsession.NewService(adsessionStore, ledgerService, logger, cfg.MonetagSigningKey, cfg.AdZoneIDs)
	adsessionHandler := adsession.NewHandler(adsessionService, logger)

	verifier := buildIdentityVerifier(cfg)
	srv := httpserver.NewServer(cfg.CORSAllowedOrigins, logger, db, rdb, metricsReg, verifier)

	// Unauthenticated: the ad-network postback callback cannot present a
	// bearer token.
	srv.Router.Post("/api/monetag/postback", adsessionHandler.PostbackHandler())

	// Authenticated.
	srv.AuthRouter.Mount("/", endpointHandler.Routes())
	srv.AuthRouter.Mount("/jobs", jobHandler.Routes())
	srv.AuthRouter.Mount("/coins", ledgerHandler.Routes())
	srv.AuthRouter.Mount("/ads", adsessionHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Minute, // long enough to span an SSE stream
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	media, err := buildMediaRotator(cfg, logger)
	if err != nil {
		return err
	}

	endpointStore := endpoint.NewStore(db)
	endpointRegistry := endpoint.NewRegistry(endpointStore, logger)

	ledgerStore := ledger.NewStore(db)
	ledgerService := ledger.NewService(ledgerStore, rdb, logger)

	jobStore := job.NewStore(db)

	notifier := opsnotify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	endpointRegistry.OnRotate(func(jt endpoint.JobType, deploymentID uuid.UUID, reason string, promoted *endpoint.Deployment) {
		obs.EndpointRotationsTotal.WithLabelValues(string(jt), "terminal_failure").Inc()
		promotedID := ""
		if promoted != nil {
			promotedID = promoted.DeploymentID.String()
		}
		notifier.EndpointRotated(ctx, string(jt), deploymentID.String(), reason, promotedID)
	})

	client := dispatcher.NewInferenceClient(logger, cfg.VerifySSL)

	d := dispatcher.New(jobStore, endpointRegistry, media, ledgerService, client, rdb, jobsChangedChannel, logger)

	// The worker owns the jobs change-feed poller: it is the one process
	// that must see every new pending row, and the api process's realtime
	// hub subscribes to the same channel.
	jobPoller := rowstore.NewPoller(db, rdb, jobsChangedChannel, job.ChangeFeedQuery, jobsPollInterval, logger, job.ScanRow,
		func(j job.Job) time.Time { return j.UpdatedAt })

	errCh := make(chan error, 3)
	go func() { errCh <- d.Run(ctx) }()
	go func() { errCh <- d.RunSweep(ctx) }()
	go func() { errCh <- jobPoller.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down worker")
		d.Drain(30 * time.Second)
		return nil
	case err := <-errCh:
		return err
	}
}
