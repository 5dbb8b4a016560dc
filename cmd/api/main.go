package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/imbrick/attributes-login-access/internal/background"
	"github.com/imbrick/attributes-login-access/internal/config"
	"github.com/imbrick/attributes-login-access/internal/database"
	"github.com/imbrick/attributes-login-access/internal/handlers"
	"github.com/imbrick/attributes-login-access/internal/metrics"
	middlewareCustom "github.com/imbrick/attributes-login-access/internal/middleware"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/repositories"
	"github.com/imbrick/attributes-login-access/internal/routes"
	"github.com/imbrick/attributes-login-access/internal/services"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
	pkglogger "github.com/imbrick/attributes-login-access/pkg/logger"
)

// storage bundles the repositories chosen by STORAGE_DRIVER
type storage struct {
	attempts   services.AttemptRepository
	events     services.SecurityEventRepository
	lockouts   services.LockoutStore
	reputation services.ReputationStore
	health     routes.HealthChecker
	close      func()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = pkglogger.New(os.Stdout, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("storage", cfg.Database.Driver),
	)

	ctx := context.Background()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.close()

	clock := services.SystemClock{}
	protection := cfg.Protection

	// Core services
	ledger := services.NewLedgerService(store.attempts, services.DefaultLedgerConfig(), clock, logger)

	lockoutConfig := services.DefaultLockoutConfig()
	lockoutConfig.MaxAttempts = protection.MaxAttempts
	lockoutConfig.MaxAttemptsPerIP = protection.MaxAttemptsPerIP
	lockoutConfig.BaseDuration = protection.LockoutDuration
	lockoutConfig.Progressive = protection.ProgressiveLockout
	lockoutConfig.Multiplier = protection.ProgressiveMultiplier
	lockoutConfig.MaxTier = protection.MaxLockoutTier
	lockoutConfig.InactivityReset = protection.FailureInactivityReset
	lockoutService := services.NewLockoutService(store.lockouts, lockoutConfig, logger)

	reputationConfig := services.DefaultReputationConfig()
	reputationConfig.StaleAfter = protection.Retention()
	reputationService := services.NewReputationService(store.reputation, reputationConfig, logger)

	// Restore persisted state before serving
	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := lockoutService.Restore(restoreCtx, clock.Now()); err != nil {
		logger.Warn("failed to restore lockouts", slog.Any("error", err))
	}
	if err := reputationService.Restore(restoreCtx); err != nil {
		logger.Warn("failed to restore ip reputation", slog.Any("error", err))
	}
	if err := ledger.Warm(restoreCtx); err != nil {
		logger.Warn("failed to warm attempt index", slog.Any("error", err))
	}
	cancel()

	// Security events
	auditService := services.NewAuditService(store.events, logger)
	notificationService := services.NewNotificationService(
		newNotificationSink(ctx, cfg, logger),
		services.NotificationConfig{
			Enabled:       cfg.Notification.NotifyLockout,
			AdminEmail:    cfg.Notification.AdminEmail,
			SiteName:      cfg.Notification.SiteName,
			RatePerMinute: cfg.Notification.RatePerMinute,
		},
		logger,
	)
	dispatcher := services.NewEventDispatcher(
		cfg.Notification.QueueSize,
		cfg.Notification.Workers,
		logger,
		auditService,
		notificationService,
		services.EventHandlerFunc(func(_ context.Context, ev models.SecurityEvent) {
			metrics.SecurityEventsTotal.WithLabelValues(ev.EventType).Inc()
		}),
	)
	dispatcher.OnDrop(metrics.EventsDroppedTotal.Inc)
	dispatcher.Start()

	// Gate
	gateConfig := services.DefaultGateConfig()
	gateConfig.RateLimits = map[models.AttemptKind]services.RateLimitRule{
		models.AttemptKindLogin:         rateLimitRule(protection.RateLimits.Login),
		models.AttemptKindRegistration:  rateLimitRule(protection.RateLimits.Registration),
		models.AttemptKindLostPassword:  rateLimitRule(protection.RateLimits.LostPassword),
		models.AttemptKindPasswordReset: rateLimitRule(protection.RateLimits.PasswordReset),
	}
	gateConfig.VerifierTimeout = cfg.Identity.VerifierTimeout
	gateConfig.LockIPOnUserLockout = protection.LockIPOnUserLockout

	verifier := services.NewHTTPCredentialVerifier(cfg.Identity.VerifyURL, cfg.Identity.VerifierTimeout, logger)
	gateService := services.NewGateService(ledger, lockoutService, reputationService, verifier, dispatcher, clock, gateConfig, logger)
	adminService := services.NewAdminService(ledger, lockoutService, reputationService, auditService, dispatcher, clock, logger)

	// Background sweep
	cleanupManager := background.NewCleanupManager(
		ledger,
		auditService,
		lockoutService,
		reputationService,
		clock,
		protection.Retention(),
		protection.CleanupInterval,
		logger,
	)

	// HTTP
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		MinResponse: cfg.Server.MinFailureResponse,
		Jitter:      cfg.Server.MinFailureResponse / 5,
	})
	tokenManager := auth.NewTokenManager(cfg.Admin.JWTSecret, auth.DefaultIssuer)

	router := routes.NewRouter(routes.Dependencies{
		AuthHandler:  handlers.NewAuthHandler(gateService, ipConfig, timingDelay, logger),
		AdminHandler: handlers.NewAdminHandler(adminService, cleanupManager, logger),
		TokenManager: tokenManager,
		RateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: cfg.Server.HTTPRateLimit,
			IPConfig:          ipConfig,
		},
		Health: store.health,
		Logger: logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	cleanupCancel()
	cleanupManager.Stop()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("event dispatcher did not drain", slog.Any("error", err))
	}

	logger.Info("server stopped gracefully")
}

// openStorage connects to Postgres or falls back to in-process repositories
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.Database.Driver == config.StorageDriverMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		return &storage{
			attempts: repositories.NewMemoryAttemptRepository(),
			events:   repositories.NewMemorySecurityEventRepository(10000),
			close:    func() {},
		}, nil
	}

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.Pool, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &storage{
		attempts:   repositories.NewLoginAttemptRepository(db),
		events:     repositories.NewSecurityEventRepository(db),
		lockouts:   repositories.NewLockoutRepository(db),
		reputation: repositories.NewIPReputationRepository(db),
		health:     db,
		close:      db.Close,
	}, nil
}

// newNotificationSink uses SES when a region and sender are configured
func newNotificationSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) services.NotificationSink {
	if cfg.Notification.AWSRegion == "" || cfg.Notification.FromEmail == "" {
		return services.NewLogNotificationSink(logger)
	}

	sink, err := services.NewSESNotificationSink(ctx, cfg.Notification.AWSRegion, cfg.Notification.FromEmail, logger)
	if err != nil {
		logger.Error("failed to initialize SES, notifications will be logged only", slog.Any("error", err))
		return services.NewLogNotificationSink(logger)
	}
	return sink
}

func rateLimitRule(rule config.RateLimitRule) services.RateLimitRule {
	return services.RateLimitRule{Limit: rule.Limit, Window: rule.Window}
}
