package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/timetable-api/api/swagger"
	"github.com/noah-isme/timetable-api/internal/handler"
	internalmiddleware "github.com/noah-isme/timetable-api/internal/middleware"
	"github.com/noah-isme/timetable-api/internal/models"
	"github.com/noah-isme/timetable-api/internal/repository"
	"github.com/noah-isme/timetable-api/internal/service"
	"github.com/noah-isme/timetable-api/pkg/cache"
	"github.com/noah-isme/timetable-api/pkg/config"
	"github.com/noah-isme/timetable-api/pkg/database"
	"github.com/noah-isme/timetable-api/pkg/jobs"
	"github.com/noah-isme/timetable-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/timetable-api/pkg/middleware/requestid"
	"github.com/noah-isme/timetable-api/pkg/storage"
)

// @title Timetable API
// @version 1.0.0
// @description Session timetable generation for training groups
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close() //nolint:errcheck

	if cfg.RunMigrations {
		if err := database.RunMigrations(db.DB, logr); err != nil {
			logr.Sugar().Fatalw("migrations failed", "error", err)
		}
	}

	metricsSvc := service.NewMetricsService()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
	}
	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepository := repository.NewCacheRepository(redisClient, logr)
		defer cacheRepository.Close() //nolint:errcheck
		cacheRepo = cacheRepository
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Scheduler.StatsCacheTTL, logr)

	moduleRepo := repository.NewModuleRepository(db)
	trainerRepo := repository.NewTrainerRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	repos := service.TimetableRepositories{
		Specialties: repository.NewSpecialtyRepository(db),
		Modules:     moduleRepo,
		Trainers:    trainerRepo,
		Calendar:    repository.NewSessionRepository(db),
		Assignments: assignmentRepo,
		Groups:      repository.NewGroupScheduleRepository(db),
		Runs:        repository.NewGenerationRunRepository(db),
	}

	var worker *service.GenerationWorker
	queue := jobs.NewQueue("timetable-generation", func(ctx context.Context, job jobs.Job) error {
		return worker.Handle(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Scheduler.Workers,
		MaxRetries: cfg.Scheduler.WorkerRetries,
		RetryDelay: 2 * time.Second,
		OnGiveUp: func(ctx context.Context, job jobs.Job, err error) {
			worker.GiveUp(ctx, job, err)
		},
		Logger: logr,
	})

	// A nil dispatcher turns asynchronous runs off.
	var dispatcher interface{ Enqueue(jobs.Job) error }
	if cfg.Scheduler.Enabled {
		dispatcher = queue
	}
	generatorSvc := service.NewTimetableGeneratorService(repos, dispatcher, db, cacheSvc, metricsSvc, validator.New(), logr, service.TimetableGeneratorConfig{
		ProposalTTL:             cfg.Scheduler.ProposalTTL,
		MaxAttempts:             cfg.Scheduler.MaxAttempts,
		DayRetries:              cfg.Scheduler.DayRetries,
		DailyModuleCap:          cfg.Scheduler.DailyModuleCap,
		SecondChoiceProbability: cfg.Scheduler.SecondChoiceProbability,
		Seed:                    cfg.Scheduler.Seed,
		StatsCacheTTL:           cfg.Scheduler.StatsCacheTTL,
	})
	worker = service.NewGenerationWorker(generatorSvc, logr)

	if cfg.Scheduler.Enabled {
		queue.Start(ctx)
		defer queue.Stop()
		generatorSvc.RecoverPendingRuns(ctx)
		go sweepProposals(ctx, generatorSvc, cfg.Scheduler.ProposalTTL, logr)
	}

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("export storage unavailable", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(assignmentRepo, moduleRepo, trainerRepo, store, signer, service.ExportConfig{
			APIPrefix:       cfg.APIPrefix,
			ResultTTL:       cfg.Exports.SignedURLTTL,
			CleanupInterval: cfg.Exports.CleanupInterval,
		}, logr)
		exportSvc.StartCleanup(ctx)
	}

	tokenSvc := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.WithResponseMeta())
	r.Use(internalmiddleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, readinessChecks(db, redisClient))
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	timetableHandler := handler.NewTimetableHandler(generatorSvc, exportSvc)
	api := r.Group(cfg.APIPrefix)
	api.GET("/timetables/exports/download", timetableHandler.Download)

	secured := api.Group("/timetables", internalmiddleware.JWT(tokenSvc))
	secured.GET("/runs/:id", timetableHandler.RunStatus)
	secured.GET("/sessions/:sessionId/stats", timetableHandler.Stats)
	secured.GET("/assignments", timetableHandler.Assignments)
	secured.GET("/groups/:groupId", timetableHandler.GroupSchedule)

	planners := secured.Group("", internalmiddleware.RequireRoles(models.RoleAdmin, models.RolePlanner))
	planners.POST("/generate", internalmiddleware.Audit(logr, "timetable.generate"), timetableHandler.Generate)
	planners.POST("/commit", internalmiddleware.Audit(logr, "timetable.commit"), timetableHandler.Commit)
	planners.POST("/runs", internalmiddleware.Audit(logr, "timetable.run"), timetableHandler.EnqueueRun)
	planners.POST("/edits/validate", timetableHandler.ValidateEdit)
	planners.POST("/sessions/:sessionId/exports", internalmiddleware.Audit(logr, "timetable.export"), timetableHandler.Export)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
	logr.Info("server stopped")
}

func readinessChecks(db *sqlx.DB, redisClient *redis.Client) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return checks
}

func sweepProposals(ctx context.Context, svc *service.TimetableGeneratorService, ttl time.Duration, logr *zap.Logger) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := svc.SweepProposals(); removed > 0 {
				logr.Debug("expired proposals swept", zap.Int("count", removed))
			}
		}
	}
}
