package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig
	HTTP      HTTPConfig
	Auth      AuthConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Optimizer OptimizerConfig
	ETA       ETAConfig
}

// DatabaseConfig contains database-related settings.
type DatabaseConfig struct {
	Path string // SQLite database file path
}

// HTTPConfig contains HTTP server settings (telemetry ingest, WebSocket tracking, metrics).
type HTTPConfig struct {
	Address string // HTTP listen address (e.g., ":8080")
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	JWTSecret string // JWT signing secret
}

// QueueConfig contains task queue settings. An empty RedisURL selects the
// in-memory queue, used in development and tests.
type QueueConfig struct {
	RedisURL    string
	RetryCount  int // retries after the first attempt before a task is surfaced to the error sink
	RetryDelayS int // seconds between attempts
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	Concurrency int
}

// OptimizerConfig contains route optimizer settings.
type OptimizerConfig struct {
	GridResolution      float64 // degrees, ~100m at 0.001
	AltitudeStepM       float64
	MinAltitudeM        float64
	MaxAltitudeM        float64
	MinTerrainClearance float64 // meters above ground
	SafetyBufferM       float64 // buffer around obstacle polygons
	SearchIterationCap  int
	CacheTTLSeconds     int
}

// ETAConfig contains ETA predictor settings.
type ETAConfig struct {
	MinTrainingSamples  int // successful deliveries required before ML mode is available
	RetrainSampleCount  int // new samples that trigger an auto-retrain check
	RetrainIntervalDays int
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg, err := loadCommon()
	if err != nil {
		return nil, err
	}

	// Validate critical settings
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is not set; required for production")
	}

	return cfg, nil
}

// LoadWithDefaults is like Load but uses a safe default for JWT_SECRET in development.
// WARNING: Only use in development! Use Load() in production.
func LoadWithDefaults() (*Config, error) {
	cfg, err := loadCommon()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "dev-secret-change-me"
	}
	return cfg, nil
}

func loadCommon() (*Config, error) {
	retryCount, err := getEnvInt("RETRY_COUNT", 3)
	if err != nil {
		return nil, err
	}
	retryDelay, err := getEnvInt("RETRY_DELAY_S", 60)
	if err != nil {
		return nil, err
	}
	concurrency, err := getEnvInt("WORKER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	iterCap, err := getEnvInt("SEARCH_ITERATION_CAP", 10000)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getEnvInt("CACHE_TTL_S", 3600)
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "app.db"),
		},
		HTTP: HTTPConfig{
			Address: getEnv("HTTP_ADDRESS", ":8080"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Queue: QueueConfig{
			RedisURL:    getEnv("REDIS_URL", ""),
			RetryCount:  retryCount,
			RetryDelayS: retryDelay,
		},
		Worker: WorkerConfig{
			Concurrency: concurrency,
		},
		Optimizer: OptimizerConfig{
			GridResolution:      getEnvFloat("GRID_RESOLUTION", 0.001),
			AltitudeStepM:       getEnvFloat("ALTITUDE_STEP_M", 20.0),
			MinAltitudeM:        getEnvFloat("MIN_ALTITUDE_M", 50.0),
			MaxAltitudeM:        getEnvFloat("MAX_ALTITUDE_M", 400.0),
			MinTerrainClearance: getEnvFloat("MIN_TERRAIN_CLEARANCE_M", 30.0),
			SafetyBufferM:       getEnvFloat("SAFETY_BUFFER_M", 100.0),
			SearchIterationCap:  iterCap,
			CacheTTLSeconds:     cacheTTL,
		},
		ETA: ETAConfig{
			MinTrainingSamples:  50,
			RetrainSampleCount:  100,
			RetrainIntervalDays: 7,
		},
	}, nil
}

// getEnv retrieves an environment variable with a default fallback.
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

// getEnvInt retrieves an environment variable as an integer with a default fallback.
func getEnvInt(key string, defaultVal int) (int, error) {
	if value, exists := os.LookupEnv(key); exists {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return intVal, nil
	}
	return defaultVal, nil
}

// getEnvFloat retrieves an environment variable as a float with a default fallback.
// Unparseable values fall back to the default rather than failing startup.
func getEnvFloat(key string, defaultVal float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// String returns a string representation of the config (sensitive values are masked).
func (c *Config) String() string {
	broker := "memory"
	if c.Queue.RedisURL != "" {
		broker = "redis"
	}
	return fmt.Sprintf("Config{DB: %s, HTTP: %s, Broker: %s, Workers: %d, Auth: *** (masked) ***}",
		c.Database.Path, c.HTTP.Address, broker, c.Worker.Concurrency)
}
