// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DatabasePath string // Single SQLite database file.
	SchemaDir    string // Directory of declarative table definitions.
	RulesDir     string // Directory of contradiction rule packs.

	// Ingestion settings.
	WatchFolders     []string
	StagingInterval  time.Duration
	ApprovalInterval time.Duration
	PendingMaxAge    time.Duration // Stale pending drafts are discarded after this.
	MaxFileSizeBytes int64

	// Governance settings.
	GovernanceURL      string // Empty = embedded local approver.
	GovernanceTimeout  time.Duration
	ConfidenceFloor    float64 // Medium-risk auto-approve floor.
	AutoApproveLowRisk bool

	// Lifecycle settings.
	MaxAgentLifetime  time.Duration
	MaxIdle           time.Duration
	MinTrustThreshold float64
	HeartbeatStale    time.Duration
	MaxConcurrentJobs int
	MonitorInterval   time.Duration

	// Alert settings.
	AlertInterval time.Duration

	// Training defaults (per-table overrides live in schema definitions).
	TrainingRowThreshold int
	TrainingTimeHours    int
	TrainingMinRows      int

	// Agent manifest registry (optional external discovery service).
	ManifestURL string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("SEIGYO_PORT", 8080),
		ReadTimeout:          envDuration("SEIGYO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("SEIGYO_WRITE_TIMEOUT", 30*time.Second),
		DatabasePath:         envStr("SEIGYO_DATABASE_PATH", "seigyo.db"),
		SchemaDir:            envStr("SEIGYO_SCHEMA_DIR", "schemas"),
		RulesDir:             envStr("SEIGYO_RULES_DIR", "rules"),
		WatchFolders:         envList("SEIGYO_WATCH_FOLDERS", []string{"watched/inbox", "watched/documents", "watched/datasets", "watched/playbooks"}),
		StagingInterval:      envDuration("SEIGYO_STAGING_INTERVAL", 30*time.Second),
		ApprovalInterval:     envDuration("SEIGYO_APPROVAL_INTERVAL", 15*time.Second),
		PendingMaxAge:        envDuration("SEIGYO_PENDING_MAX_AGE", 24*time.Hour),
		MaxFileSizeBytes:     int64(envInt("SEIGYO_MAX_FILE_SIZE_BYTES", 100*1024*1024)),
		GovernanceURL:        envStr("SEIGYO_GOVERNANCE_URL", ""),
		GovernanceTimeout:    envDuration("SEIGYO_GOVERNANCE_TIMEOUT", 5*time.Second),
		ConfidenceFloor:      envFloat("SEIGYO_CONFIDENCE_FLOOR", 0.75),
		AutoApproveLowRisk:   envBool("SEIGYO_AUTO_APPROVE_LOW_RISK", true),
		MaxAgentLifetime:     envDuration("SEIGYO_MAX_AGENT_LIFETIME", 60*time.Minute),
		MaxIdle:              envDuration("SEIGYO_MAX_IDLE", 10*time.Minute),
		MinTrustThreshold:    envFloat("SEIGYO_MIN_TRUST_THRESHOLD", 0.3),
		HeartbeatStale:       envDuration("SEIGYO_HEARTBEAT_STALE", 120*time.Second),
		MaxConcurrentJobs:    envInt("SEIGYO_MAX_CONCURRENT_JOBS", 5),
		MonitorInterval:      envDuration("SEIGYO_MONITOR_INTERVAL", 30*time.Second),
		AlertInterval:        envDuration("SEIGYO_ALERT_INTERVAL", 60*time.Second),
		TrainingRowThreshold: envInt("SEIGYO_TRAINING_ROW_THRESHOLD", 50),
		TrainingTimeHours:    envInt("SEIGYO_TRAINING_TIME_HOURS", 24),
		TrainingMinRows:      envInt("SEIGYO_TRAINING_MIN_ROWS", 10),
		ManifestURL:          envStr("SEIGYO_MANIFEST_URL", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "seigyo"),
		LogLevel:             envStr("SEIGYO_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: SEIGYO_DATABASE_PATH is required")
	}
	if c.SchemaDir == "" {
		return fmt.Errorf("config: SEIGYO_SCHEMA_DIR is required")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: SEIGYO_MAX_CONCURRENT_JOBS must be positive")
	}
	if c.MinTrustThreshold < 0 || c.MinTrustThreshold > 1 {
		return fmt.Errorf("config: SEIGYO_MIN_TRUST_THRESHOLD must be in [0,1]")
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("config: SEIGYO_CONFIDENCE_FLOOR must be in [0,1]")
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("config: SEIGYO_MAX_FILE_SIZE_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
