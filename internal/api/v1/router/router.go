package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"locketwan/internal/api/v1/handler"
	"locketwan/internal/config"
	"locketwan/internal/middleware"
	"locketwan/internal/plan"
	"locketwan/internal/pubsub"
	"locketwan/internal/repository"
	"locketwan/internal/s3io"
	"locketwan/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Services are the domain services the HTTP surface is built on.
type Services struct {
	Usage  service.UsageService
	JWTKey string

	// Moments may be nil, in which case the upload route is not mounted.
	Moments service.MomentService
}

// New wires storage, publishers and services from cfg and returns the HTTP handler
// plus a cleanup func releasing every opened resource.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	logger.Info().Str("environment", cfg.Environment).Str("usage_store", cfg.UsageStore).Msg("Router initializing")

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (http.Handler, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// 1. Plan table
	plans, err := plan.LoadFile(cfg.PlanTablePath)
	if err != nil {
		return fail(err)
	}

	// 2. Usage counter store
	usageRepo, activityRepo, closeStore, err := openUsageStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	// 3. Flag publisher
	flags, flagTopic, err := pubsub.New(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { flags.Close() })

	// 4. JWT key, optionally from Secret Manager
	var secrets service.SecretManagerService
	if cfg.JWTSecret == "" && cfg.JWTSecretName != "" {
		secrets, err = service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { secrets.Close() })
	}
	jwtKey, err := service.ResolveJWTKey(ctx, cfg, secrets)
	if err != nil {
		return fail(err)
	}
	if jwtKey == "" {
		logger.Warn().Msg("No JWT key configured, /usage/record is unauthenticated")
	}

	usageSvc := service.NewUsageService(usageRepo, activityRepo, plans, cfg.DefaultPlanID, flags, flagTopic, cfg.BlockSuspiciousActivity, logger)

	// 5. Media storage and upstream client
	var momentSvc service.MomentService
	if cfg.S3Enabled() {
		s3Client, err := s3io.NewClient(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		store := s3io.NewMediaStoreFromClient(s3Client, cfg.S3Bucket)
		locket := service.NewLocketClient(cfg.LocketAPIBaseURL, time.Duration(cfg.LocketRequestTimeoutSec)*time.Second, logger)
		momentSvc = service.NewMomentService(usageSvc, store, locket, cfg.MaxImageUploadMB, cfg.MaxVideoUploadMB, logger)
	} else {
		logger.Warn().Msg("S3 is not configured, /locket/upload-media is disabled")
	}

	h := NewHandler(cfg, Services{Usage: usageSvc, Moments: momentSvc, JWTKey: jwtKey}, logger)
	return h, cleanup, nil
}

// NewHandler builds the mux for already constructed services.
func NewHandler(cfg *config.Config, svcs Services, logger zerolog.Logger) http.Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	authMiddleware := middleware.AuthMiddleware(svcs.JWTKey, logger)

	mux := http.NewServeMux()
	handler.NewUsageHandler(svcs.Usage, validate, logger).RegisterRoutes(mux, authMiddleware)
	handler.NewHealthHandler(cfg.Version).RegisterRoutes(mux, authMiddleware)
	if svcs.Moments != nil {
		maxBody := int64(max(cfg.MaxImageUploadMB, cfg.MaxVideoUploadMB)+1) * 1024 * 1024
		handler.NewUploadHandler(svcs.Moments, validate, cfg.MultipartMemory, maxBody, logger).RegisterRoutes(mux, authMiddleware)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux))
}

func openUsageStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.UsageRepository, repository.ActivityRepository, func(), error) {
	switch cfg.UsageStore {
	case "sqlite", "":
		db, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := repository.EnsureSQLiteSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("SQLite usage store ready")
		return repository.NewSQLiteUsageRepo(db), repository.NewSQLiteActivityRepo(db), func() { db.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, postgresDSN(cfg))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("pinging postgres: %w", err)
		}
		if err := repository.EnsurePostgresSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		logger.Info().Msg("Postgres usage store ready")
		return repository.NewUsageRepo(pool), repository.NewActivityRepo(pool), pool.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("pinging redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis usage store ready")
		return repository.NewRedisUsageRepo(client), repository.NewRedisActivityRepo(client), func() { client.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown USAGE_STORE %q", cfg.UsageStore)
	}
}

// postgresDSN disables SSL for local development and switches to the simple
// protocol elsewhere so transaction poolers such as pgbouncer work.
func postgresDSN(cfg *config.Config) string {
	dsn := cfg.DBConnectionString
	isURL := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	add := func(param string) {
		sep := " "
		if isURL {
			sep = "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
		}
		dsn += sep + param
	}
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		add("sslmode=disable")
	}
	if cfg.Environment != "development" && !strings.Contains(dsn, "default_query_exec_mode") {
		add("default_query_exec_mode=simple_protocol")
	}
	return dsn
}
