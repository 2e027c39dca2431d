package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"admin-serverless/internal/auth"
	"admin-serverless/internal/config"
	"admin-serverless/internal/db"
	"admin-serverless/internal/maintenance"
	"admin-serverless/internal/oauth"
	"admin-serverless/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Port    string
	Logger  *observability.Logger
	Close   func() error
}

// Build wires the whole service from the environment. The database driver is
// registered by the entrypoint.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.AppEnv)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	authService, err := auth.NewService(authRepo, authConfig(cfg), nil, logger)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName); err != nil {
		_ = database.Close()
		return nil, err
	}

	limiter, redisClient := newRateLimiter(ctx, cfg, logger)

	var verifier auth.IdentityVerifier
	if cfg.GoogleClientID != "" {
		verifier = oauth.NewGoogleVerifier(cfg.GoogleClientID)
	}

	handler := newRouter(routes{
		auth:     auth.NewHandler(authService, verifier),
		sessions: authService,
		cleanup: maintenance.NewCleanupHandler(
			authRepo,
			logger,
			cfg.CronSecret,
			cfg.Cleanup.LoginAttemptRetention,
			cfg.Cleanup.BatchSize,
		),
		limiter: limiter,
		health:  healthHandler(database),
		logger:  logger,
	})

	return &Runtime{
		Handler: handler,
		Port:    cfg.Port,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			var errs []error
			if redisClient != nil {
				errs = append(errs, redisClient.Close())
			}
			errs = append(errs, database.Close())
			logger.Sync()
			return errors.Join(errs...)
		},
	}, nil
}

func authConfig(cfg config.Config) auth.Config {
	return auth.Config{
		SigningSecret:       cfg.JWTSecret,
		FederationAllowList: cfg.Security.FederationAllowList,
		AccountCapacity:     cfg.Security.AccountCapacity,
		Lockout: auth.LockoutPolicy{
			Threshold: cfg.Security.LoginMaxAttempts,
			Duration:  cfg.Security.LoginLockDuration,
		},
		SessionTTL: cfg.Security.SessionTTL,
		PendingTTL: cfg.Security.MFAPendingTTL,
		ResetTTL:   cfg.Security.ResetTokenTTL,
		TOTPIssuer: cfg.Security.TOTPIssuer,
	}
}

// newRateLimiter prefers Redis so limits hold across instances and falls back
// to a per-process window when Redis is not configured or unreachable.
func newRateLimiter(ctx context.Context, cfg config.Config, logger *observability.Logger) (auth.RateLimiter, *redis.Client) {
	memory := auth.NewMemoryRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	if cfg.RedisURL == "" {
		return memory, nil
	}

	client, err := auth.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Error("redis_config_invalid", map[string]any{"error": err.Error()})
		return memory, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis_unavailable_using_memory_rate_limit", map[string]any{"error": err.Error()})
		_ = client.Close()
		return memory, nil
	}

	return auth.NewRedisRateLimiter(client, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow), client
}
