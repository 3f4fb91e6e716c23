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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/schoolmate-io/psa-api/api/swagger"
	"github.com/schoolmate-io/psa-api/internal/handler"
	"github.com/schoolmate-io/psa-api/internal/middleware"
	"github.com/schoolmate-io/psa-api/internal/models"
	"github.com/schoolmate-io/psa-api/internal/repository"
	"github.com/schoolmate-io/psa-api/internal/service"
	"github.com/schoolmate-io/psa-api/pkg/cache"
	"github.com/schoolmate-io/psa-api/pkg/config"
	"github.com/schoolmate-io/psa-api/pkg/database"
	"github.com/schoolmate-io/psa-api/pkg/export"
	"github.com/schoolmate-io/psa-api/pkg/jobs"
	"github.com/schoolmate-io/psa-api/pkg/logger"
	corsmiddleware "github.com/schoolmate-io/psa-api/pkg/middleware/cors"
	reqidmiddleware "github.com/schoolmate-io/psa-api/pkg/middleware/requestid"
	"github.com/schoolmate-io/psa-api/pkg/storage"
)

// @title PSA API
// @version 1.0.0
// @description Primary-school administration API: semesters, rollover, leaves, reports
// @BasePath /api/v1
// @schemes http

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The preview cache is an optimisation; the service degrades to
		// direct reads when Redis is unreachable.
		logr.Warn("redis unavailable, preview caching disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Rollover.PreviewCacheTTL, logr, true)
	}

	semesterRepo := repository.NewSemesterRepository(db)
	rolloverStore := repository.NewRolloverStore(db)
	leaveRepo := repository.NewLeaveRepository(db)
	userRepo := repository.NewUserRepository(db)
	reportRepo := repository.NewReportRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            "psa-api",
	})
	semesterSvc := service.NewSemesterService(semesterRepo, userRepo, cacheSvc, validate, logr)
	rolloverSvc := service.NewRolloverService(rolloverStore, semesterRepo, userRepo, cacheSvc, metricsSvc, validate, logr, service.RolloverServiceConfig{
		TerminalGrade:   cfg.Rollover.TerminalGrade,
		PreviewCacheTTL: cfg.Rollover.PreviewCacheTTL,
	})
	leaveSvc := service.NewLeaveService(leaveRepo, semesterRepo, userRepo, validate, logr, cfg.Leave.MaxDays)

	fileStore, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
	if err != nil {
		logr.Fatal("failed to init report storage", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
	exportSvc := service.NewExportService(rolloverStore, semesterRepo, fileStore, signer, service.ExportConfig{
		APIPrefix:     cfg.APIPrefix,
		ResultTTL:     cfg.Reports.SignedURLTTL,
		TerminalGrade: cfg.Rollover.TerminalGrade,
	}, logr, export.NewCSVExporter(), export.NewPDFExporter())

	reportWorker := service.NewReportWorker(reportRepo, exportSvc, metricsSvc, cfg.Reports.WorkerRetries, logr)
	reportQueue := jobs.NewQueue("reports", reportWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Reports.WorkerConcurrency,
		MaxRetries: cfg.Reports.WorkerRetries,
		Logger:     logr,
	})
	reportQueue.Start(ctx)
	defer reportQueue.Stop()

	reportSvc := service.NewReportService(reportRepo, reportQueue, exportSvc, metricsSvc, validate, logr, service.ReportServiceConfig{
		ResultTTL:       cfg.Reports.SignedURLTTL,
		CleanupInterval: cfg.Reports.CleanupInterval,
		MaxRetries:      cfg.Reports.WorkerRetries,
	})
	reportSvc.RecoverPendingJobs(ctx)
	reportSvc.StartCleanup(ctx)

	authHandler := handler.NewAuthHandler(authSvc)
	semesterHandler := handler.NewSemesterHandler(semesterSvc)
	rolloverHandler := handler.NewRolloverHandler(rolloverSvc)
	leaveHandler := handler.NewLeaveHandler(leaveSvc)
	reportHandler := handler.NewReportHandler(reportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, redisClient)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)
	// Signed token downloads skip the JWT middleware; the token itself is
	// the credential.
	api.GET("/export/:token", reportHandler.Download)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	authed.GET("/auth/me", authHandler.Me)

	authed.GET("/semesters", semesterHandler.List)
	authed.GET("/semesters/current", semesterHandler.GetCurrent)
	authed.GET("/semesters/:id", semesterHandler.Get)

	admin := authed.Group("")
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	admin.POST("/semesters", semesterHandler.Create)
	admin.PUT("/semesters/:id/current", semesterHandler.SetCurrent)
	admin.GET("/rollover/preview", rolloverHandler.Preview)
	admin.POST("/rollover", rolloverHandler.Execute)
	admin.GET("/rollover/runs", rolloverHandler.ListRuns)
	admin.GET("/rollover/runs/:id", rolloverHandler.GetRun)
	admin.POST("/reports", reportHandler.Create)
	admin.GET("/reports/:id", reportHandler.Status)
	admin.PUT("/leaves/:id/decision", leaveHandler.Decide)

	staff := authed.Group("")
	staff.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher, models.RoleClassTeacher))
	staff.POST("/leaves", leaveHandler.Create)
	staff.GET("/leaves", leaveHandler.List)
	staff.GET("/leaves/:id", leaveHandler.Get)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
