package main

import (
	"log"

	"extraction-worker/config"
	cliadapter "extraction-worker/internal/adapters/primary/cli"
	"extraction-worker/internal/adapters/secondary/blobstore"
	"extraction-worker/internal/adapters/secondary/redisrepo"
	"extraction-worker/lifecycle"
	"extraction-worker/pkg/logger"
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

	// sessionctl does not call Start: it runs one operator command and
	// exits, so it never starts the rescan loop, and a timer that session
	// speedup arms for a future expiry ends with the process. cleanup run
	// and session speedup act directly against Redis/the blob store and
	// rely on lifecycle.Manager's methods, not its background goroutines.
	lifecycleMgr := lifecycle.New(sessionRepo, jobRepo, blobStore, cleanupRepo, appLogger, nil)

	cli := cliadapter.NewCLI(sessionRepo, jobRepo, lifecycleMgr)
	rootCmd := cli.GetRootCommand()

	if err := rootCmd.Execute(); err != nil {
		cliadapter.Exit(err)
	}
}
