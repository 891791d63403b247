// Package config loads engine configuration from environment variables.
//
// A .env file in the working directory is honored when present. Every
// setting has a usable default so the engine runs with no configuration
// at all.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all tunable settings for the recognition engine.
type Config struct {
	// CacheDir is the directory holding the result cache database.
	CacheDir string

	// CacheCapacity is the maximum number of cached results. When the
	// count exceeds this bound the least recently accessed entries are
	// purged.
	CacheCapacity int

	// CacheExpiryDays is the age in days after which a cached result is
	// discarded.
	CacheExpiryDays int

	// MaxDimension is the longest edge an image is allowed before it is
	// scaled down for recognition.
	MaxDimension int

	// MaxFileSizeMB rejects input files larger than this many megabytes.
	MaxFileSizeMB int64

	// Language is the recognition language code passed to the backend.
	Language string

	// Workers is the batch worker pool size.
	Workers int

	// MemoryCeilingMB is the heap size above which the resource guard
	// rebuilds the backend instance.
	MemoryCeilingMB uint64

	// ForceWholeImage disables region-of-interest processing globally,
	// forcing every image through the whole-image strategy ladder.
	ForceWholeImage bool

	// TempDir is where per-call scratch images are written.
	TempDir string
}

// Load reads configuration from the environment, applying defaults for
// anything unset. A missing .env file is not an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		CacheDir:        getEnvOrDefault("DATEOCR_CACHE_DIR", filepath.Join(os.TempDir(), "dateocr-cache")),
		CacheCapacity:   getEnvAsIntOrDefault("DATEOCR_CACHE_CAPACITY", 1000),
		CacheExpiryDays: getEnvAsIntOrDefault("DATEOCR_CACHE_EXPIRY_DAYS", 30),
		MaxDimension:    getEnvAsIntOrDefault("DATEOCR_MAX_DIMENSION", 1280),
		MaxFileSizeMB:   int64(getEnvAsIntOrDefault("DATEOCR_MAX_FILE_SIZE_MB", 50)),
		Language:        getEnvOrDefault("DATEOCR_LANGUAGE", "eng"),
		Workers:         getEnvAsIntOrDefault("DATEOCR_WORKERS", 4),
		MemoryCeilingMB: uint64(getEnvAsIntOrDefault("DATEOCR_MEMORY_CEILING_MB", 2048)),
		ForceWholeImage: getEnvAsBoolOrDefault("DATEOCR_FORCE_WHOLE_IMAGE", false),
		TempDir:         getEnvOrDefault("DATEOCR_TEMP_DIR", os.TempDir()),
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvAsBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
