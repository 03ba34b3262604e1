package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/auth"
	"github.com/ekaya-inc/query-sandbox/pkg/cache"
	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/datastore"
	"github.com/ekaya-inc/query-sandbox/pkg/handlers"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
	"github.com/ekaya-inc/query-sandbox/pkg/middleware"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

const migrationsPath = "migrations"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("port", cfg.Port),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
	)

	ctx := context.Background()

	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, migrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	validator, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		logger.Fatal("Failed to create JWKS client", zap.Error(err))
	}
	defer validator.Close()
	authMW := auth.NewMiddleware(validator, logger)

	// Repositories
	schemaMapRepo := repositories.NewSchemaMapRepository(db)
	permissionRepo := repositories.NewPermissionRepository(db)
	requestRepo := repositories.NewRequestRepository(db)
	checkpointRepo := repositories.NewCheckpointRepository(db)
	metricRepo := repositories.NewMetricRepository(db)

	// Services
	sink := telemetry.NewZapSink(logger)
	limits := query.Limits{
		SensitiveReadLimit: cfg.Validator.SensitiveReadLimit,
		DefaultListLimit:   cfg.Validator.DefaultListLimit,
		MaxListLimit:       cfg.Validator.MaxListLimit,
	}
	validationSvc := services.NewValidationService(permissionRepo, schemaMapRepo, limits, sink, logger)
	rateLimiter := services.NewRateLimiter(requestRepo, permissionRepo, cfg.RateLimit, sink)
	riskScorer := services.NewRiskScorer(cfg.Risk)
	checkpointSvc := services.NewCheckpointService(checkpointRepo, sink)

	queryCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxValueBytes, redisClient, logger)
	store := datastore.NewPostgresStore(db)
	executor := services.NewExecutor(requestRepo, metricRepo, validationSvc, store,
		queryCache, cfg.Cache, cfg.Executor, sink, logger)
	lifecycle := services.NewLifecycleManager(validationSvc, rateLimiter, riskScorer,
		checkpointSvc, requestRepo, executor, sink, logger)
	generator := services.NewSchemaMapGenerator(db, schemaMapRepo, sink, logger)

	// Handlers
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewRequestHandler(lifecycle, requestRepo, authMW, logger).RegisterRoutes(mux)
	handlers.NewCheckpointHandler(lifecycle, checkpointSvc, authMW, logger).RegisterRoutes(mux)
	handlers.NewSchemaMapHandler(generator, schemaMapRepo, authMW, logger).RegisterRoutes(mux)
	handlers.NewMetricsHandler(metricRepo, authMW, logger).RegisterRoutes(mux)
	handlers.NewPermissionHandler(permissionRepo, authMW, logger).RegisterRoutes(mux)

	handler := middleware.RequestLogger(logger)(mux)

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting query-sandbox",
		zap.String("addr", addr),
		zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}
