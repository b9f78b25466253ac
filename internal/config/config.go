// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// RedisAddr selects the replication bus. Empty means single-replica
	// mode with an in-process bus.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ReplicaID identifies this process on the replication bus so its own
	// published updates can be ignored on receipt.
	ReplicaID string

	Lifecycle LifecycleConfig

	// MaxDocBytes is the encoded-document size ceiling.
	MaxDocBytes int
}

// LifecycleConfig holds the independently scheduled sweep policies.
type LifecycleConfig struct {
	// GhostTimeout deletes sessions never joined by any client.
	GhostTimeout  time.Duration
	GhostInterval time.Duration

	// Solo policy: warn, then terminate, a session only one participant
	// ever joined.
	SoloWarnAfter      time.Duration
	SoloTerminateAfter time.Duration
	SoloInterval       time.Duration

	// AFK expiry of sessions with no activity.
	AFKThreshold time.Duration
	AFKInterval  time.Duration

	// Document GC: evict documents with no connected clients that have
	// been inactive past the threshold.
	GCInterval    time.Duration
	DocInactivity time.Duration

	// Snapshot cadence for live documents.
	SnapshotInterval time.Duration

	// RejoinGrace is how long after the last activity a participant may
	// rejoin an active session.
	RejoinGrace time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "3003"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/collab.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ReplicaID:     getEnv("REPLICA_ID", uuid.NewString()),
		Lifecycle: LifecycleConfig{
			GhostTimeout:       getEnvDuration("GHOST_TIMEOUT", time.Minute),
			GhostInterval:      getEnvDuration("GHOST_INTERVAL", 30*time.Second),
			SoloWarnAfter:      getEnvDuration("SOLO_WARN_AFTER", 4*time.Minute),
			SoloTerminateAfter: getEnvDuration("SOLO_TERMINATE_AFTER", 5*time.Minute),
			SoloInterval:       getEnvDuration("SOLO_INTERVAL", 15*time.Second),
			AFKThreshold:       getEnvDuration("AFK_THRESHOLD", 30*time.Minute),
			AFKInterval:        getEnvDuration("AFK_INTERVAL", 5*time.Minute),
			GCInterval:         getEnvDuration("GC_INTERVAL", time.Minute),
			DocInactivity:      getEnvDuration("DOC_INACTIVITY", 10*time.Minute),
			SnapshotInterval:   getEnvDuration("SNAPSHOT_INTERVAL", 120*time.Second),
			RejoinGrace:        getEnvDuration("REJOIN_GRACE", 2*time.Minute),
		},
		MaxDocBytes: getEnvInt("MAX_DOC_BYTES", 1<<20),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ReplicaID == "" {
		return fmt.Errorf("REPLICA_ID cannot be empty")
	}
	if c.MaxDocBytes <= 0 {
		return fmt.Errorf("MAX_DOC_BYTES must be > 0")
	}
	lc := c.Lifecycle
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"GHOST_TIMEOUT", lc.GhostTimeout},
		{"GHOST_INTERVAL", lc.GhostInterval},
		{"SOLO_WARN_AFTER", lc.SoloWarnAfter},
		{"SOLO_TERMINATE_AFTER", lc.SoloTerminateAfter},
		{"SOLO_INTERVAL", lc.SoloInterval},
		{"AFK_THRESHOLD", lc.AFKThreshold},
		{"AFK_INTERVAL", lc.AFKInterval},
		{"GC_INTERVAL", lc.GCInterval},
		{"DOC_INACTIVITY", lc.DocInactivity},
		{"SNAPSHOT_INTERVAL", lc.SnapshotInterval},
		{"REJOIN_GRACE", lc.RejoinGrace},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if lc.SoloWarnAfter >= lc.SoloTerminateAfter {
		return fmt.Errorf("SOLO_WARN_AFTER must be shorter than SOLO_TERMINATE_AFTER")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
