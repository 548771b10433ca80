package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	Server    ServerConfig
	Redis     RedisConfig
	Session   SessionConfig
	Terminal  TerminalConfig
	Telemetry TelemetryConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

type SessionConfig struct {
	Timeout         time.Duration
	MaxQueueSize    int
	AverageSession  time.Duration
	DisconnectGrace time.Duration
	AuditRetention  time.Duration
	Secret          string
}

// TerminalConfig covers the ttyd subprocess and the workload container it
// runs. Workload credentials travel via the credential file at EnvHostPath
// (mounted into the container at EnvContainerPath), never the argv.
type TerminalConfig struct {
	TtydPort         int
	EnvHostPath      string
	EnvContainerPath string
	WorkloadImage    string
	WorkloadCommand  []string
	MemoryLimit      string
	PidsLimit        int
	HardKillGrace    time.Duration
}

type TelemetryConfig struct {
	StatsdAddr string
	GaugeFlush time.Duration
}

type KafkaConfig struct {
	Enabled              bool
	Brokers              []string
	ProducerRetryMax     int
	ProducerRequiredAcks int
}

type RateLimitConfig struct {
	MaxConnectsPerMinute int
	MaxInviteFailures    int
	BlockDuration        time.Duration
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			Port:         getEnvAsInt("PORT", 3000),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			MaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		Session: SessionConfig{
			Timeout:         time.Duration(getEnvAsInt("SESSION_TIMEOUT_MINUTES", 60)) * time.Minute,
			MaxQueueSize:    getEnvAsInt("MAX_QUEUE_SIZE", 10),
			AverageSession:  time.Duration(getEnvAsInt("AVERAGE_SESSION_MINUTES", 45)) * time.Minute,
			DisconnectGrace: time.Duration(getEnvAsInt("DISCONNECT_GRACE_MS", 10000)) * time.Millisecond,
			AuditRetention:  time.Duration(getEnvAsInt("AUDIT_RETENTION_DAYS", 30)) * 24 * time.Hour,
			Secret:          getEnv("SESSION_SECRET", ""),
		},
		Terminal: TerminalConfig{
			TtydPort:         getEnvAsInt("TTYD_PORT", 7681),
			EnvHostPath:      getEnv("SESSION_ENV_HOST_PATH", "/run/termdemo/session.env"),
			EnvContainerPath: getEnv("SESSION_ENV_CONTAINER_PATH", "/etc/demo/session.env"),
			WorkloadImage:    getEnv("WORKLOAD_IMAGE", "observelab/demo-workload:latest"),
			WorkloadCommand:  getEnvAsSlice("WORKLOAD_COMMAND", []string{"/bin/bash"}),
			MemoryLimit:      getEnv("WORKLOAD_MEMORY_LIMIT", "2g"),
			PidsLimit:        getEnvAsInt("WORKLOAD_PIDS_LIMIT", 256),
			HardKillGrace:    time.Duration(getEnvAsInt("HARD_KILL_GRACE_MINUTES", 5)) * time.Minute,
		},
		Telemetry: TelemetryConfig{
			StatsdAddr: getEnv("STATSD_ADDR", ""),
			GaugeFlush: getEnvAsDuration("STATSD_GAUGE_FLUSH", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:              getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:              getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProducerRetryMax:     getEnvAsInt("KAFKA_PRODUCER_RETRY_MAX", 3),
			ProducerRequiredAcks: getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", 1),
		},
		RateLimit: RateLimitConfig{
			MaxConnectsPerMinute: getEnvAsInt("RATE_LIMIT_CONNECTS_PER_MINUTE", 30),
			MaxInviteFailures:    getEnvAsInt("RATE_LIMIT_INVITE_FAILURES", 10),
			BlockDuration:        getEnvAsDuration("RATE_LIMIT_BLOCK_DURATION", 5*time.Minute),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Session.Secret == "" {
		if c.Env == "production" {
			return fmt.Errorf("SESSION_SECRET must be set in production")
		}
		c.Session.Secret = "development-session-secret"
	}

	if c.Session.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive: %d", c.Session.MaxQueueSize)
	}

	if c.Session.Timeout <= 5*time.Minute {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES must exceed the 5 minute warning offset")
	}

	return nil
}

// WorkloadCredentials returns the recognized secret variables propagated into
// the session credential file. Unset variables are omitted.
func WorkloadCredentials() map[string]string {
	recognized := []string{
		"SPLUNK_HEC_URL",
		"SPLUNK_HEC_TOKEN",
		"GRAFANA_URL",
		"GRAFANA_SA_TOKEN",
		"DEMO_WEBHOOK_URL",
	}

	creds := make(map[string]string, len(recognized))
	for _, name := range recognized {
		if v := os.Getenv(name); v != "" {
			creds[name] = v
		}
	}

	return creds
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	// Split by comma
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
