package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	AppEnv        string
	LogLevel      string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string
	KeywordDBPath string
	ClientsFile   string

	RankAPIURL      string
	RankAPILogin    string
	RankAPIPassword string
	RankAPIRPS      int
	LanguageCode    string

	ResultLimit     int
	ChunkSize       int
	FlushThreshold  int
	ProgressEvery   int
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollMaxAttempts int
	PollConcurrency int

	JobRecordTTL      time.Duration
	JobTimeout        time.Duration
	TaskMaxRetries    int
	WorkerConcurrency int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvMillis(key string, def int) time.Duration {
	return time.Duration(getenvInt(key, def)) * time.Millisecond
}

func Load() Config {
	dataDir := getenv("DATA_DIR", "./data")
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       dataDir,
		KeywordDBPath: getenv("KEYWORD_DB_PATH", filepath.Join(dataDir, "keywords.db")),
		ClientsFile:   getenv("CLIENTS_FILE", "./clients.yaml"),

		RankAPIURL:      getenv("RANK_API_URL", "https://api.dataforseo.com"),
		RankAPILogin:    os.Getenv("RANK_API_LOGIN"),
		RankAPIPassword: os.Getenv("RANK_API_PASSWORD"),
		RankAPIRPS:      getenvInt("RANK_API_RPS", 5),
		LanguageCode:    getenv("RANK_LANGUAGE_CODE", "en"),

		ResultLimit:     getenvInt("RANK_RESULT_LIMIT", 100),
		ChunkSize:       getenvInt("RANK_CHUNK_SIZE", 100),
		FlushThreshold:  getenvInt("RANK_FLUSH_THRESHOLD", 10),
		ProgressEvery:   getenvInt("RANK_PROGRESS_EVERY", 5),
		PollInterval:    getenvMillis("RANK_POLL_INTERVAL_MS", 5000),
		PollMaxInterval: getenvMillis("RANK_POLL_MAX_INTERVAL_MS", 30000),
		PollMaxAttempts: getenvInt("RANK_POLL_MAX_ATTEMPTS", 60),
		PollConcurrency: getenvInt("RANK_POLL_CONCURRENCY", 10),

		JobRecordTTL:      time.Duration(getenvInt("JOB_RECORD_TTL_HOURS", 168)) * time.Hour,
		JobTimeout:        time.Duration(getenvInt("JOB_TIMEOUT_MINUTES", 360)) * time.Minute,
		TaskMaxRetries:    getenvInt("TASK_MAX_RETRIES", 3),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 10),
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 100
	}
	if cfg.FlushThreshold < 1 {
		cfg.FlushThreshold = 10
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 6 * time.Hour
	}
	if cfg.ProgressEvery < 1 {
		cfg.ProgressEvery = 5
	}
	return cfg
}
