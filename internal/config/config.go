// Package config loads the tunables that govern the document server's
// debounce, cleanup, and compaction behavior, plus the DSNs for its two
// storage backends, from the process environment (optionally populated
// from a .env file in development).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-tunable setting the core reads at
// startup. Fields carry the same defaults spec.md mandates; an operator
// overriding them is taking on the responsibility of preserving the
// invariants those constants exist to uphold.
type Config struct {
	// SaveDebounce is how long the server waits after the last operation
	// on a document before persisting it, in Mode A.
	SaveDebounce time.Duration
	// CleanupGrace is how long an evicted document's cache entry lingers,
	// cancelable, before it is actually dropped.
	CleanupGrace time.Duration
	// ModeBInterval is the background snapshot-persist interval used by
	// buckets configured for Mode B.
	ModeBInterval time.Duration
	// KeepWindow is how many of the most recent log revisions survive a
	// compaction.
	KeepWindow int
	// CompactInterval is how many revisions accumulate between compaction
	// runs.
	CompactInterval int

	// PostgresDSN addresses the relational store holding ot_documents and
	// ot_operations. Empty means the relational half runs on an in-memory
	// store, which keeps nothing across restarts.
	PostgresDSN string
	// S3Bucket and S3Region address the blob store holding the latest
	// known snapshot content per document.
	S3Bucket string
	S3Region string

	// HTTPAddr is where cmd/quillwright-server listens for its status
	// surface.
	HTTPAddr string
}

// Default returns the configuration spec.md names as the baseline: a
// 1-second save debounce, a 30-second cleanup grace period and Mode B
// interval, a 500-revision keep window, and compaction every 500
// revisions.
func Default() Config {
	return Config{
		SaveDebounce:    1000 * time.Millisecond,
		CleanupGrace:    30000 * time.Millisecond,
		ModeBInterval:   30000 * time.Millisecond,
		KeepWindow:      500,
		CompactInterval: 500,
		HTTPAddr:        ":8080",
	}
}

// Load builds a Config from Default(), overridden by any QUILLWRIGHT_*
// environment variables present. If a .env file exists at envPath, it is
// loaded into the environment first (and silently ignored if absent,
// matching godotenv's typical development-only usage in the pack).
func Load(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	cfg := Default()

	if v, ok := durationFromEnv("QUILLWRIGHT_SAVE_DEBOUNCE_MS"); ok {
		cfg.SaveDebounce = v
	}
	if v, ok := durationFromEnv("QUILLWRIGHT_CLEANUP_GRACE_MS"); ok {
		cfg.CleanupGrace = v
	}
	if v, ok := durationFromEnv("QUILLWRIGHT_MODE_B_INTERVAL_MS"); ok {
		cfg.ModeBInterval = v
	}
	if v, ok := intFromEnv("QUILLWRIGHT_KEEP_WINDOW"); ok {
		cfg.KeepWindow = v
	}
	if v, ok := intFromEnv("QUILLWRIGHT_COMPACT_INTERVAL"); ok {
		cfg.CompactInterval = v
	}
	if v := os.Getenv("QUILLWRIGHT_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("QUILLWRIGHT_S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("QUILLWRIGHT_S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("QUILLWRIGHT_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	return cfg, nil
}

func durationFromEnv(key string) (time.Duration, bool) {
	n, ok := intFromEnv(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func intFromEnv(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
