package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDBPath           = "./dev.db"
	defaultPort             = "8080"
	defaultModelDir         = "./models"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultLockTTL          = 30 * time.Second
	defaultDecisionLogLimit = 200
	maxDecisionLogLimit     = 200
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	AppEnv           string
	DBPath           string
	Port             string
	ModelStoreURL    string // gocloud blob URL; empty means ModelDir on local disk
	ModelDir         string
	CatalogFile      string
	LogLevel         string
	LogFormat        string
	RedisURL         string // enables cross-process batch locking
	LockTTL          time.Duration
	DecisionLogLimit int
}

// IsDev reports whether the process runs in development mode, where schema
// migrations and catalog seeding happen on startup.
func (c Config) IsDev() bool {
	return c.AppEnv == "" || strings.EqualFold(c.AppEnv, "dev")
}

// Load reads environment variables and returns a populated Config.
func Load() Config {
	// A missing .env is fine; deployed processes get real environment.
	n, err := loadDotEnv(".env")
	if err != nil {
		slog.Warn("could not read .env", "error", err)
	} else if n > 0 {
		slog.Debug("loaded .env", "keys", n)
	}

	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV"),
		DBPath:        getenv("DB_PATH"),
		Port:          getenv("PORT"),
		ModelStoreURL: getenv("MODEL_STORE_URL"),
		ModelDir:      getenv("MODEL_DIR"),
		CatalogFile:   getenv("CATALOG_FILE"),
		LogLevel:      getenv("LOG_LEVEL"),
		LogFormat:     getenv("LOG_FORMAT"),
		RedisURL:      getenv("REDIS_URL"),
	}

	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = defaultModelDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	cfg.LockTTL = defaultLockTTL
	if raw := getenv("LOCK_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			slog.Warn("ignoring invalid LOCK_TTL", "value", raw)
		} else {
			cfg.LockTTL = d
		}
	}

	cfg.DecisionLogLimit = defaultDecisionLogLimit
	if raw := getenv("DECISION_LOG_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil || n <= 0:
			slog.Warn("ignoring invalid DECISION_LOG_LIMIT", "value", raw)
		case n > maxDecisionLogLimit:
			slog.Warn("DECISION_LOG_LIMIT capped", "value", n, "max", maxDecisionLogLimit)
			cfg.DecisionLogLimit = maxDecisionLogLimit
		default:
			cfg.DecisionLogLimit = n
		}
	}

	if !cfg.IsDev() && !strings.EqualFold(cfg.AppEnv, "prod") {
		slog.Warn("unknown APP_ENV, treating as prod", "value", cfg.AppEnv)
	}

	return cfg
}
