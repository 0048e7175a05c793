package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"extraction-worker/config"
	"extraction-worker/dispatcher"
	"extraction-worker/health"
	httpadapter "extraction-worker/internal/adapters/primary/http"
	"extraction-worker/internal/adapters/secondary/blobstore"
	"extraction-worker/internal/adapters/secondary/extractorclient"
	"extraction-worker/internal/adapters/secondary/redisrepo"
	"extraction-worker/internal/core/services"
	"extraction-worker/lifecycle"
	"extraction-worker/packager"
	"extraction-worker/pkg/logger"
	"extraction-worker/pkg/metrics"
	"extraction-worker/pkg/validator"
	"extraction-worker/postprocessor"
	"extraction-worker/ratelimit"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		Filename:   cfg.Logging.Filename,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		met = metrics.New(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	}

	redisClient, err := redisrepo.NewClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	sessionRepo := redisrepo.NewSessionRepository(redisClient)
	jobRepo := redisrepo.NewJobRepository(redisClient)
	cleanupRepo := redisrepo.NewCleanupLogRepository(redisClient)

	blobStore, err := blobstore.NewFilesystemStore(cfg.Storage.RootDir)
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}

	extractor := extractorclient.New(cfg.Extractor.BaseURL, cfg.Extractor.Timeout)
	limiter := ratelimit.NewFromConfig(cfg.RateLimit)

	pkgr := packager.New(blobStore)
	postProc := postprocessor.New(blobStore, jobRepo, sessionRepo, limiter, cfg.Pipeline.NamingTemplate, appLogger)

	disp := dispatcher.New(jobRepo, sessionRepo, blobStore, extractor, limiter, nil, postProc, cfg.Pipeline, cfg.RateLimit.MaxConcurrent, appLogger, met)
	coordinator := services.New(sessionRepo, jobRepo, blobStore, nil, disp, pkgr, cfg.Pipeline, appLogger, met)
	disp.SetCoordinator(coordinator)
	disp.Start()
	defer disp.Stop()

	lifecycleMgr := lifecycle.New(sessionRepo, jobRepo, blobStore, cleanupRepo, appLogger, met)
	if err := lifecycleMgr.Start(); err != nil {
		log.Fatalf("failed to start lifecycle manager: %v", err)
	}
	defer lifecycleMgr.Stop()

	healthChecker := health.NewHealthChecker(cfg, redisClient, met)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BodyLimit:    int(cfg.Security.MaxRequestBodySize),
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	if cfg.Security.CorsEnabled {
		app.Use(cors.New(cors.Config{
			AllowOrigins: joinOrigins(cfg.Security.CorsAllowedOrigins),
			AllowMethods: "GET,POST,DELETE,OPTIONS",
		}))
	}

	app.Get(cfg.Health.Path, healthChecker.HealthHandler)
	app.Get(cfg.Health.ReadinessPath, healthChecker.ReadinessHandler)
	app.Get(cfg.Health.LivenessPath, healthChecker.LivenessHandler)
	if cfg.Metrics.Enabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	validCfg := &validator.Config{
		MaxFileSize:       cfg.Validation.MaxFileSize,
		MinFileSize:       1,
		MaxFilesPerUpload: cfg.Validation.MaxFilesPerUpload,
		AllowedMimeTypes:  cfg.Validation.AllowedMimeTypes,
		AllowedExtensions: cfg.Validation.AllowedExtensions,
	}
	sessionHandler := httpadapter.NewSessionHandler(coordinator, validCfg)
	app.Post("/sessions/upload", sessionHandler.Upload)
	app.Get("/sessions/:id", sessionHandler.GetStatus)
	app.Get("/sessions/:id/status", sessionHandler.GetCompactStatus)
	app.Get("/sessions/:id/download", sessionHandler.Download)
	app.Delete("/sessions/:id", sessionHandler.Cancel)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("shutting down...")
		disp.Stop()
		lifecycleMgr.Stop()
		_ = app.Shutdown()
	}()

	log.Printf("session extraction pipeline listening on :%s (tier=%s)", cfg.Server.Port, cfg.Pipeline.Tier)
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func joinOrigins(origins []string) string {
	out := ""
	for i, o := range origins {
		if i > 0 {
			out += ","
		}
		out += o
	}
	return out
}
