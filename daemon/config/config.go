package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	ListenAddress            string
	StoragePath              string
	LargeFileThreshold       int64
	MaxItemsPerSession       int
	MaxPinnedItemsPerSession int
	CleanupInterval          time.Duration
	SessionExpiry            time.Duration
	CORSOrigin               string
}

// Defaults.
const (
	DefaultPort                     = "3000"
	DefaultStoragePath              = "./data/storage"
	DefaultLargeFileThreshold       = 10 * 1024 * 1024 // 10 MiB
	DefaultMaxItemsPerSession       = 20
	DefaultMaxPinnedItemsPerSession = 50
	DefaultCleanupInterval          = time.Hour
	DefaultSessionExpiry            = 24 * time.Hour
)

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:            ":" + DefaultPort,
		StoragePath:              DefaultStoragePath,
		LargeFileThreshold:       DefaultLargeFileThreshold,
		MaxItemsPerSession:       DefaultMaxItemsPerSession,
		MaxPinnedItemsPerSession: DefaultMaxPinnedItemsPerSession,
		CleanupInterval:          DefaultCleanupInterval,
		SessionExpiry:            DefaultSessionExpiry,
		CORSOrigin:               "*",
	}
}

// LoadConfig reads configuration from the environment, falling back to
// defaults for unset keys. Recognized keys: PORT, STORAGE_PATH,
// LARGE_FILE_THRESHOLD (bytes), MAX_ITEMS_PER_SESSION,
// MAX_PINNED_ITEMS_PER_SESSION, CLEANUP_INTERVAL (ms), SESSION_EXPIRY (ms),
// CORS_ORIGIN.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.ListenAddress = ":" + v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("LARGE_FILE_THRESHOLD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid LARGE_FILE_THRESHOLD %q", v)
		}
		cfg.LargeFileThreshold = n
	}
	if v := os.Getenv("MAX_ITEMS_PER_SESSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_ITEMS_PER_SESSION %q", v)
		}
		cfg.MaxItemsPerSession = n
	}
	if v := os.Getenv("MAX_PINNED_ITEMS_PER_SESSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_PINNED_ITEMS_PER_SESSION %q", v)
		}
		cfg.MaxPinnedItemsPerSession = n
	}
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CLEANUP_INTERVAL %q", v)
		}
		cfg.CleanupInterval = d
	}
	if v := os.Getenv("SESSION_EXPIRY"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_EXPIRY %q", v)
		}
		cfg.SessionExpiry = d
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}

	return cfg, nil
}

// AllowedOrigins expands the CORS_ORIGIN value. Returns (nil, true) for
// allow-any, otherwise the exact origins to match.
func (c *Config) AllowedOrigins() ([]string, bool) {
	if c.CORSOrigin == "*" || c.CORSOrigin == "" {
		return nil, true
	}
	parts := strings.Split(c.CORSOrigin, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins, false
}

func parseMillis(v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("not a positive millisecond count: %s", v)
	}
	return time.Duration(n) * time.Millisecond, nil
}
