package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ListenAddress != ":3000" {
		t.Errorf("ListenAddress = %q, want :3000", cfg.ListenAddress)
	}
	if cfg.LargeFileThreshold != 10*1024*1024 {
		t.Errorf("LargeFileThreshold = %d, want 10 MiB", cfg.LargeFileThreshold)
	}
	if cfg.MaxItemsPerSession != 20 {
		t.Errorf("MaxItemsPerSession = %d, want 20", cfg.MaxItemsPerSession)
	}
	if cfg.MaxPinnedItemsPerSession != 50 {
		t.Errorf("MaxPinnedItemsPerSession = %d, want 50", cfg.MaxPinnedItemsPerSession)
	}
	if cfg.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want 1h", cfg.CleanupInterval)
	}
	if cfg.SessionExpiry != 24*time.Hour {
		t.Errorf("SessionExpiry = %v, want 24h", cfg.SessionExpiry)
	}
	if cfg.CORSOrigin != "*" {
		t.Errorf("CORSOrigin = %q, want *", cfg.CORSOrigin)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STORAGE_PATH", "/var/lib/veildrop")
	t.Setenv("LARGE_FILE_THRESHOLD", "1048576")
	t.Setenv("MAX_ITEMS_PER_SESSION", "5")
	t.Setenv("MAX_PINNED_ITEMS_PER_SESSION", "3")
	t.Setenv("CLEANUP_INTERVAL", "60000")
	t.Setenv("SESSION_EXPIRY", "120000")
	t.Setenv("CORS_ORIGIN", "https://app.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.StoragePath != "/var/lib/veildrop" {
		t.Errorf("StoragePath = %q", cfg.StoragePath)
	}
	if cfg.LargeFileThreshold != 1048576 {
		t.Errorf("LargeFileThreshold = %d", cfg.LargeFileThreshold)
	}
	if cfg.MaxItemsPerSession != 5 || cfg.MaxPinnedItemsPerSession != 3 {
		t.Errorf("limits = (%d, %d)", cfg.MaxItemsPerSession, cfg.MaxPinnedItemsPerSession)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
	if cfg.SessionExpiry != 2*time.Minute {
		t.Errorf("SessionExpiry = %v, want 2m", cfg.SessionExpiry)
	}
	if cfg.CORSOrigin != "https://app.example.com" {
		t.Errorf("CORSOrigin = %q", cfg.CORSOrigin)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"PORT", "not-a-port"},
		{"LARGE_FILE_THRESHOLD", "-1"},
		{"LARGE_FILE_THRESHOLD", "zero"},
		{"MAX_ITEMS_PER_SESSION", "0"},
		{"MAX_PINNED_ITEMS_PER_SESSION", "-2"},
		{"CLEANUP_INTERVAL", "0"},
		{"SESSION_EXPIRY", "soon"},
	}
	for _, c := range cases {
		t.Run(c.key+"="+c.value, func(t *testing.T) {
			t.Setenv(c.key, c.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("LoadConfig accepted %s=%s", c.key, c.value)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := DefaultConfig()
	if origins, any := cfg.AllowedOrigins(); !any || origins != nil {
		t.Errorf("wildcard origin parsed as (%v, %v)", origins, any)
	}

	cfg.CORSOrigin = "https://a.example, https://b.example"
	origins, any := cfg.AllowedOrigins()
	if any {
		t.Error("explicit origin list reported as allow-any")
	}
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Errorf("origins = %v", origins)
	}
}
