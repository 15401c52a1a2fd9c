package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"rankengine/internal/config"
	"rankengine/internal/core/job"
	"rankengine/internal/core/keyword"
	"rankengine/internal/core/rank"
	"rankengine/internal/logger"
	"rankengine/internal/platform/rankapi"
	rds "rankengine/internal/platform/redis"
	"rankengine/internal/platform/sqlite"
	tasks "rankengine/internal/platform/tasks"
	"rankengine/internal/server"
	"rankengine/internal/utils/retry"
	"rankengine/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("[rankengine] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.NewWithConfig("main", logger.Config{AppEnv: cfg.AppEnv, Level: cfg.LogLevel})

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Keyword rankings database
	db, err := sqlite.Open(cfg.KeywordDBPath)
	if err != nil {
		log.Fatalf("open keyword db: %v", err)
	}
	defer db.Close()
	keywords, err := keyword.NewStore(context.Background(), db.Pool)
	if err != nil {
		log.Fatal(err)
	}

	clients, err := config.LoadClients(cfg.ClientsFile)
	if err != nil {
		log.Fatal(err)
	}
	logr.LogInfof("loaded %d clients from %s", clients.Len(), cfg.ClientsFile)

	// Asynq client and server
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{tasks.QueueDefault: 1},
		ShutdownTimeout: 30 * time.Second,
	})

	// Core services
	jobs := job.NewStore(redisSvc, cfg.JobRecordTTL)
	api := rankapi.New(rankapi.Options{
		BaseURL:      cfg.RankAPIURL,
		Login:        cfg.RankAPILogin,
		Password:     cfg.RankAPIPassword,
		LanguageCode: cfg.LanguageCode,
		RPS:          cfg.RankAPIRPS,
		Concurrency:  cfg.PollConcurrency,
		Poll: retry.Policy{
			MaxAttempts: cfg.PollMaxAttempts,
			Interval:    cfg.PollInterval,
			MaxInterval: cfg.PollMaxInterval,
			Multiplier:  1.5,
		},
	})
	runner := rank.NewRunner(api, jobs, keywords, rank.RunnerOptions{
		ChunkSize:      cfg.ChunkSize,
		FlushThreshold: cfg.FlushThreshold,
		ProgressEvery:  cfg.ProgressEvery,
		ResultLimit:    cfg.ResultLimit,
	})
	rankSvc := rank.NewService(jobs, keywords, clients, taskClient, runner, rank.ServiceOptions{
		MaxRetries: cfg.TaskMaxRetries,
		JobTimeout: cfg.JobTimeout,
	})

	// Worker mux
	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeRankJob, rankSvc.HandleRankTask)

	// Start worker
	if err := asynqServer.Start(mux.Mux()); err != nil {
		log.Fatalf("[worker] start: %v", err)
	}

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Rank Engine",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})

	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Rank:   rankSvc,
		Redis:  redisSvc,
		SQLite: db,
	})
	healthHandler.SetReady()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
