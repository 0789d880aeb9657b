// Package config loads orchestrator settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the orchestrator recognizes.
type Config struct {
	ListenAddr string

	StoreDSN string
	QueueDSN string
	LogDSN   string

	WorkerCount            int
	PlanTimeout            time.Duration
	ExecuteTimeout         time.Duration
	ClaimVisibility        time.Duration
	QueueHighWater         int
	QueueBlockOnHighWater  bool
	MaxAttempts            int
	HeartbeatInterval      time.Duration

	LogRetention    time.Duration
	LogMaxLines     int
	LogMaxLineBytes int

	RepoCacheRoot    string
	RepoCloneDepth   int
	RepoAcquireWait  time.Duration
	SensitivePaths   []string
	MaxFileReadBytes int64

	BotIdentities []string

	AgentBinary string
	LogLevel    string
	LogFormat   string
}

// Load reads configuration from environment variables, filling defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("STORE_DSN", "")
	v.SetDefault("QUEUE_DSN", "")
	v.SetDefault("LOG_DSN", "")
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("PLAN_TIMEOUT_SECONDS", 1800)
	v.SetDefault("EXECUTE_TIMEOUT_SECONDS", 3600)
	v.SetDefault("CLAIM_VISIBILITY_SECONDS", 120)
	v.SetDefault("QUEUE_HIGH_WATER", 1000)
	v.SetDefault("QUEUE_BLOCK_ON_HIGH_WATER", false)
	v.SetDefault("MAX_ATTEMPTS", 5)
	v.SetDefault("HEARTBEAT_SECONDS", 30)
	v.SetDefault("LOG_RETENTION_SECONDS", 86400)
	v.SetDefault("LOG_MAX_LINES_PER_TASK", 50000)
	v.SetDefault("LOG_MAX_LINE_BYTES", 64*1024)
	v.SetDefault("REPO_CACHE_ROOT", "/var/lib/mend/repos")
	v.SetDefault("REPO_CLONE_DEPTH", 1)
	v.SetDefault("REPO_ACQUIRE_WAIT_SECONDS", 300)
	v.SetDefault("SENSITIVE_PATHS", ".env,.env.*,*.pem,*.key,id_rsa*,secrets/")
	v.SetDefault("MAX_FILE_READ_BYTES", int64(10*1024*1024))
	v.SetDefault("BOT_IDENTITIES", "")
	v.SetDefault("AGENT_BINARY", "claude")
	v.SetDefault("MEND_LOG_LEVEL", "info")
	v.SetDefault("MEND_LOG_FORMAT", "json")

	cfg := &Config{
		ListenAddr:            v.GetString("LISTEN_ADDR"),
		StoreDSN:              v.GetString("STORE_DSN"),
		QueueDSN:              v.GetString("QUEUE_DSN"),
		LogDSN:                v.GetString("LOG_DSN"),
		WorkerCount:           v.GetInt("WORKER_COUNT"),
		PlanTimeout:           time.Duration(v.GetInt("PLAN_TIMEOUT_SECONDS")) * time.Second,
		ExecuteTimeout:        time.Duration(v.GetInt("EXECUTE_TIMEOUT_SECONDS")) * time.Second,
		ClaimVisibility:       time.Duration(v.GetInt("CLAIM_VISIBILITY_SECONDS")) * time.Second,
		QueueHighWater:        v.GetInt("QUEUE_HIGH_WATER"),
		QueueBlockOnHighWater: v.GetBool("QUEUE_BLOCK_ON_HIGH_WATER"),
		MaxAttempts:           v.GetInt("MAX_ATTEMPTS"),
		HeartbeatInterval:     time.Duration(v.GetInt("HEARTBEAT_SECONDS")) * time.Second,
		LogRetention:          time.Duration(v.GetInt("LOG_RETENTION_SECONDS")) * time.Second,
		LogMaxLines:           v.GetInt("LOG_MAX_LINES_PER_TASK"),
		LogMaxLineBytes:       v.GetInt("LOG_MAX_LINE_BYTES"),
		RepoCacheRoot:         v.GetString("REPO_CACHE_ROOT"),
		RepoCloneDepth:        v.GetInt("REPO_CLONE_DEPTH"),
		RepoAcquireWait:       time.Duration(v.GetInt("REPO_ACQUIRE_WAIT_SECONDS")) * time.Second,
		SensitivePaths:        splitList(v.GetString("SENSITIVE_PATHS")),
		MaxFileReadBytes:      v.GetInt64("MAX_FILE_READ_BYTES"),
		BotIdentities:         splitList(v.GetString("BOT_IDENTITIES")),
		AgentBinary:           v.GetString("AGENT_BINARY"),
		LogLevel:              v.GetString("MEND_LOG_LEVEL"),
		LogFormat:             v.GetString("MEND_LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.WorkerCount < 0 {
		return fmt.Errorf("WORKER_COUNT must be >= 0, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.ClaimVisibility < 10*time.Second {
		return fmt.Errorf("CLAIM_VISIBILITY_SECONDS must be >= 10, got %v", c.ClaimVisibility)
	}
	if c.LogMaxLines < 1 {
		return fmt.Errorf("LOG_MAX_LINES_PER_TASK must be >= 1, got %d", c.LogMaxLines)
	}
	if c.QueueHighWater < 1 {
		return fmt.Errorf("QUEUE_HIGH_WATER must be >= 1, got %d", c.QueueHighWater)
	}
	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
