// Package app is the composition root. Collaborators are constructed once
// at startup and passed by reference into handlers; there is no package-
// level mutable state. It runs one of three modes: the API server, the
// background worker, or a one-shot migration.
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

	"github.com/plexmcp/plexmcp/internal/admin"
	"github.com/plexmcp/plexmcp/internal/apikeys"
	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/auth"
	"github.com/plexmcp/plexmcp/internal/config"
	"github.com/plexmcp/plexmcp/internal/credential"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/healthcheck"
	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/mcpregistry"
	"github.com/plexmcp/plexmcp/internal/org"
	"github.com/plexmcp/plexmcp/internal/platform"
	"github.com/plexmcp/plexmcp/internal/proxy"
	"github.com/plexmcp/plexmcp/internal/ratequota"
	"github.com/plexmcp/plexmcp/internal/telemetry"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
	"github.com/plexmcp/plexmcp/internal/tickets"
	"github.com/plexmcp/plexmcp/internal/upstream"
)

// ErrDependency marks an unrecoverable infrastructure failure at startup;
// main translates it to exit code 2.
var ErrDependency = errors.New("dependency failure")

// Run is the main application entry point. It connects infrastructure and
// starts the configured mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting plexmcp",
		"mode", cfg.Mode,
		"listen", cfg.BindAddress,
	)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("%w: running migrations: %v", ErrDependency, err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%w: connecting to database: %v", ErrDependency, err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("%w: connecting to redis: %v", ErrDependency, err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("%w: running migrations: %v", ErrDependency, err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Audit writer first: the policy engine records elevations through it.
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	policy := tenantctx.NewPolicy(auditWriter)

	// Credential store: envelope encryption for upstream secrets and TOTP
	// seeds.
	envelope, err := credential.NewEnvelope(cfg.TOTPKeyBytes())
	if err != nil {
		return fmt.Errorf("building secret envelope: %w", err)
	}
	credStore := credential.NewStore(db, envelope)

	// Session and API key authentication.
	sessionMgr, err := auth.NewSessionManager(cfg.JWTSecret, time.Duration(cfg.JWTExpiryHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	authStore := auth.NewPGStore(db)
	apikeyAuth := auth.NewAPIKeyAuthenticator(authStore, []byte(cfg.APIKeyHMACSecret))

	// Brute-force control: 10 failed attempts per (email, ip) per 15 minutes.
	loginLimiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)

	orgStore := org.NewStore(db, policy)
	requireTLS := !cfg.IsLocalDev()
	registry := mcpregistry.NewStore(db, policy, credStore, requireTLS)
	accounting := ratequota.NewAccounting(db)
	proxyLimiter := ratequota.NewRateLimiter(rdb, logger)
	auditStore := audit.NewStore(db, policy)
	ticketStore := tickets.NewStore(db, policy)
	apikeyStore := apikeys.NewStore(db, policy, []byte(cfg.APIKeyHMACSecret))

	requestTimeout := time.Duration(cfg.ProxyRequestTimeoutMS) * time.Millisecond
	partialTimeout := time.Duration(cfg.ProxyPartialTimeoutMS) * time.Millisecond

	dial := func(ctx context.Context, d domain.McpDescriptor, secret string) (proxy.Session, error) {
		return upstream.Connect(ctx, d, secret, requestTimeout, partialTimeout)
	}
	pool := proxy.NewPool(dial, cfg.MaxConnectionsPerOrg, 5*time.Minute)
	defer pool.Close()

	// Idle connection eviction.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.EvictIdle()
			}
		}
	}()

	reprobe := func(ctx context.Context, id uuid.UUID) {
		healthcheck.PublishReprobe(ctx, rdb, id)
	}
	engine := proxy.NewEngine(registry, orgStore, accounting, proxyLimiter, pool, reprobe, auditWriter, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg, auth.Middleware(sessionMgr, apikeyAuth, authStore, logger))

	// --- Public auth routes (pre-authentication) ---
	loginHandler := auth.NewLoginHandler(sessionMgr, authStore, credStore, loginLimiter, logger).WithAudit(auditWriter)
	orgHandler := org.NewHandler(orgStore, auditWriter, logger)
	srv.PublicRouter.Post("/auth/signup", orgHandler.HandleSignup)
	srv.PublicRouter.Post("/auth/login", loginHandler.HandleLogin)
	srv.PublicRouter.Post("/auth/2fa/verify", loginHandler.HandleVerifyTwoFactor)
	srv.PublicRouter.Post("/auth/refresh", loginHandler.HandleRefresh)
	srv.PublicRouter.Post("/auth/logout", loginHandler.HandleLogout)

	// --- Authenticated routes ---
	maxKeysForOrg := func(r *http.Request, orgID uuid.UUID) (int, error) {
		o, err := orgStore.GetUnscoped(r.Context(), orgID)
		if err != nil {
			return 0, err
		}
		return o.EffectiveLimits().MaxAPIKeys, nil
	}
	maxMCPsForOrg := func(r *http.Request, orgID uuid.UUID) (int, error) {
		o, err := orgStore.GetUnscoped(r.Context(), orgID)
		if err != nil {
			return 0, err
		}
		return o.EffectiveLimits().MaxMCPs, nil
	}

	srv.APIRouter.Mount("/org", orgHandler.Routes())
	srv.APIRouter.Mount("/2fa", auth.NewTwoFactorHandler(authStore, credStore, logger).Routes())
	srv.APIRouter.Mount("/api-keys", apikeys.NewHandler(apikeyStore, maxKeysForOrg, auditWriter, logger).Routes())
	srv.APIRouter.Mount("/mcps", mcpregistry.NewHandler(registry, maxMCPsForOrg, auditWriter, logger).Routes())
	srv.APIRouter.Mount("/proxy", proxy.NewHandler(engine, requestTimeout, cfg.MaxRequestBodyBytes, logger).Routes())
	srv.APIRouter.Mount("/audit", audit.NewHandler(auditStore, logger).Routes())
	srv.APIRouter.Mount("/tickets", tickets.NewHandler(ticketStore, logger).Routes())

	// Per-org usage for the dashboard billing view.
	srv.APIRouter.Get("/org/usage", func(w http.ResponseWriter, r *http.Request) {
		tc, ok := tenantctx.FromContext(r.Context())
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		usage, err := accounting.Usage(r.Context(), tc.OrgID)
		if err != nil {
			logger.Error("reading usage counter", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to read usage")
			return
		}
		httpserver.Respond(w, http.StatusOK, usage)
	})

	adminSvc := admin.NewService(db, policy, orgStore, accounting, registry, auditWriter)
	srv.APIRouter.Mount("/admin", admin.NewHandler(adminSvc, logger).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.BindAddress)
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

	envelope, err := credential.NewEnvelope(cfg.TOTPKeyBytes())
	if err != nil {
		return fmt.Errorf("building secret envelope: %w", err)
	}
	credStore := credential.NewStore(db, envelope)

	// Background jobs never act on behalf of a tenant; elevation and
	// request-path auditing don't apply here.
	policy := tenantctx.NewPolicy(nil)
	registry := mcpregistry.NewStore(db, policy, credStore, !cfg.IsLocalDev())
	orgStore := org.NewStore(db, policy)

	// Hard-delete sweep for soft-deleted rows: once at start, then daily.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			removed, err := orgStore.SweepSoftDeleted(ctx, 30*24*time.Hour)
			if err != nil {
				logger.Error("hard-delete sweep", "error", err)
			} else if removed > 0 {
				logger.Info("hard-delete sweep finished", "organizations_removed", removed)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	checker := healthcheck.New(registry, rdb, logger,
		time.Duration(cfg.HealthProbeIntervalSeconds)*time.Second,
		cfg.HealthFailureThreshold)
	return checker.Run(ctx)
}
