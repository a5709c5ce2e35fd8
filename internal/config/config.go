package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration, loaded from the environment.
// Restart-surviving state (scan cooldown stamps, provider profile) does NOT
// live here; it is persisted in the store's kv table.
type Config struct {
	Port       int
	DBPath     string
	MemoryRoot string
	LogLevel   string

	OllamaBaseURL  string
	EmbeddingModel string
	EmbeddingDim   int
	EmbedTimeout   time.Duration

	// Ranking
	RRFConstant       int
	TemporalHalfLife  time.Duration
	TemporalDecay     bool
	ConstitutionalMax int
	MaxQueryLen       int
	DefaultMaxResults int

	// Cognitive tiering
	HotThreshold    float64
	WarmThreshold   float64
	DecayFactor     float64
	CoActivateBoost float64
	CoActivateMax   int

	// Indexer
	RecoveryCap      int
	ScanCooldown     time.Duration
	ScanBatchSize    int
	ScanBatchDelay   time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetrySweepSpec   string
	SessionIdleTTL   time.Duration
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		Port:       envInt("PORT", 8632),
		DBPath:     envStr("ENGRAM_DB_PATH", filepath.Join(home, ".engram", "engram.db")),
		MemoryRoot: envStr("ENGRAM_MEMORY_ROOT", filepath.Join(home, ".engram", "memories")),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		OllamaBaseURL:  envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		EmbeddingModel: envStr("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:   envInt("EMBEDDING_DIM", 768),
		EmbedTimeout:   envDuration("EMBED_TIMEOUT", 30*time.Second),

		RRFConstant:       envInt("RRF_CONSTANT", 60),
		TemporalHalfLife:  envDuration("TEMPORAL_HALF_LIFE", 30*24*time.Hour),
		TemporalDecay:     envBool("TEMPORAL_DECAY", true),
		ConstitutionalMax: envInt("CONSTITUTIONAL_MAX", 5),
		MaxQueryLen:       envInt("MAX_QUERY_LEN", 1000),
		DefaultMaxResults: envInt("DEFAULT_MAX_RESULTS", 10),

		HotThreshold:    envFloat("HOT_THRESHOLD", 0.8),
		WarmThreshold:   envFloat("WARM_THRESHOLD", 0.4),
		DecayFactor:     envFloat("DECAY_FACTOR", 0.85),
		CoActivateBoost: envFloat("COACTIVATE_BOOST", 0.35),
		CoActivateMax:   envInt("COACTIVATE_MAX", 10),

		RecoveryCap:      envInt("RECOVERY_CAP", 25),
		ScanCooldown:     envDuration("SCAN_COOLDOWN", 5*time.Minute),
		ScanBatchSize:    envInt("SCAN_BATCH_SIZE", 5),
		ScanBatchDelay:   envDuration("SCAN_BATCH_DELAY", 200*time.Millisecond),
		RetryMaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetrySweepSpec:   envStr("RETRY_SWEEP_SPEC", "@every 1m"),
		SessionIdleTTL:   envDuration("SESSION_IDLE_TTL", 24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("ENGRAM_DB_PATH must not be empty")
	}
	if c.MemoryRoot == "" {
		return fmt.Errorf("ENGRAM_MEMORY_ROOT must not be empty")
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.WarmThreshold >= c.HotThreshold {
		return fmt.Errorf("WARM_THRESHOLD (%f) must be below HOT_THRESHOLD (%f)", c.WarmThreshold, c.HotThreshold)
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("DECAY_FACTOR must be in (0,1), got %f", c.DecayFactor)
	}
	if c.RRFConstant < 1 {
		return fmt.Errorf("RRF_CONSTANT must be positive, got %d", c.RRFConstant)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
