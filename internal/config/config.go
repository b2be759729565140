package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	API       APIConfig
	AI        AIConfig
	Storage   StorageConfig
	Jobs      JobsConfig
	Channel   ChannelConfig
	Positions PositionsConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
	LogFile  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerMin int
}

// APIConfig points at the REST backend that owns scripts, collections and positions
type APIConfig struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// AIConfig points at the AI job-start endpoints and their result sockets
type AIConfig struct {
	BaseURL string
	WSURL   string // derived from BaseURL when empty
	Timeout time.Duration
}

type StorageConfig struct {
	Driver string // badger, redis or memory
	Path   string
}

type JobsConfig struct {
	MaxAge        time.Duration
	SingleTimeout time.Duration
	BatchTimeout  time.Duration
}

type ChannelConfig struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	Jitter            time.Duration
	MaxRetries        int
	MaxDuration       time.Duration
	UnstableThreshold time.Duration
}

type PositionsConfig struct {
	LocalDebounce  time.Duration
	RemoteDebounce time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
}

// WorkerConfig only applies to the mock AI service
type WorkerConfig struct {
	Concurrency int
	StepDelay   time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("API_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.log_file", "LOG_FILE")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.generate_per_min", "RATELIMIT_GENERATE_PER_MIN")
	_ = viper.BindEnv("api.base_url", "API_BASE_URL")
	_ = viper.BindEnv("api.email", "API_EMAIL")
	_ = viper.BindEnv("api.password", "API_PASSWORD")
	_ = viper.BindEnv("api.timeout", "API_TIMEOUT")
	_ = viper.BindEnv("ai.base_url", "AI_BASE_URL")
	_ = viper.BindEnv("ai.ws_url", "AI_WS_URL")
	_ = viper.BindEnv("ai.timeout", "AI_TIMEOUT")
	_ = viper.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = viper.BindEnv("storage.path", "STORAGE_PATH")
	_ = viper.BindEnv("jobs.max_age", "JOBS_MAX_AGE")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("worker.step_delay", "WORKER_STEP_DELAY")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.log_file", "")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_min", 30)

	// Backends
	viper.SetDefault("api.base_url", "http://localhost:8080")
	viper.SetDefault("api.timeout", "30s")
	viper.SetDefault("ai.base_url", "http://localhost:8001")
	viper.SetDefault("ai.ws_url", "")
	viper.SetDefault("ai.timeout", "30s")

	// Local durable storage
	viper.SetDefault("storage.driver", "badger")
	viper.SetDefault("storage.path", "./data/canvas")

	// Job orchestration
	viper.SetDefault("jobs.max_age", "6h")
	viper.SetDefault("jobs.single_timeout", "120s")
	viper.SetDefault("jobs.batch_timeout", "240s")

	// Result socket reconnect policy
	viper.SetDefault("channel.min_delay", "1s")
	viper.SetDefault("channel.max_delay", "30s")
	viper.SetDefault("channel.jitter", "500ms")
	viper.SetDefault("channel.max_retries", 10)
	viper.SetDefault("channel.max_duration", "5m")
	viper.SetDefault("channel.unstable_threshold", "5s")

	// Card position write-back
	viper.SetDefault("positions.local_debounce", "600ms")
	viper.SetDefault("positions.remote_debounce", "1500ms")
	viper.SetDefault("positions.retry_base", "500ms")
	viper.SetDefault("positions.retry_cap", "10s")

	// Mock AI worker
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.step_delay", "500ms")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
			LogFile:  viper.GetString("server.log_file"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerMin: viper.GetInt("ratelimit.generate_per_min"),
		},
		API: APIConfig{
			BaseURL:  viper.GetString("api.base_url"),
			Email:    viper.GetString("api.email"),
			Password: viper.GetString("api.password"),
			Timeout:  viper.GetDuration("api.timeout"),
		},
		AI: AIConfig{
			BaseURL: viper.GetString("ai.base_url"),
			WSURL:   viper.GetString("ai.ws_url"),
			Timeout: viper.GetDuration("ai.timeout"),
		},
		Storage: StorageConfig{
			Driver: viper.GetString("storage.driver"),
			Path:   viper.GetString("storage.path"),
		},
		Jobs: JobsConfig{
			MaxAge:        viper.GetDuration("jobs.max_age"),
			SingleTimeout: viper.GetDuration("jobs.single_timeout"),
			BatchTimeout:  viper.GetDuration("jobs.batch_timeout"),
		},
		Channel: ChannelConfig{
			MinDelay:          viper.GetDuration("channel.min_delay"),
			MaxDelay:          viper.GetDuration("channel.max_delay"),
			Jitter:            viper.GetDuration("channel.jitter"),
			MaxRetries:        viper.GetInt("channel.max_retries"),
			MaxDuration:       viper.GetDuration("channel.max_duration"),
			UnstableThreshold: viper.GetDuration("channel.unstable_threshold"),
		},
		Positions: PositionsConfig{
			LocalDebounce:  viper.GetDuration("positions.local_debounce"),
			RemoteDebounce: viper.GetDuration("positions.remote_debounce"),
			RetryBase:      viper.GetDuration("positions.retry_base"),
			RetryCap:       viper.GetDuration("positions.retry_cap"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
			StepDelay:   viper.GetDuration("worker.step_delay"),
		},
	}

	return cfg, nil
}
