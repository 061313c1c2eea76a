package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BackfillWindow != 3000 {
		t.Fatalf("expected default backfill window 3000, got %d", cfg.BackfillWindow)
	}
	if cfg.ResolveTimeout != 10*time.Second || cfg.ResolveRetries != 1 || cfg.ResolveWorkers != 4 {
		t.Fatalf("unexpected resolve defaults: %#v", cfg)
	}
	if cfg.PushURL != "ws://localhost:8080/push" {
		t.Fatalf("expected derived push url, got %q", cfg.PushURL)
	}
	if cfg.CookieName != "token" {
		t.Fatalf("expected default cookie name token, got %q", cfg.CookieName)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("POSSEL_SERVER_BASE_URL", "https://chat.example.com/possel/")
	t.Setenv("POSSEL_BACKFILL_WINDOW", "50")
	t.Setenv("POSSEL_RESOLVE_TIMEOUT", "2s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "https://chat.example.com/possel" {
		t.Fatalf("expected trimmed base url, got %q", cfg.BaseURL)
	}
	if cfg.PushURL != "wss://chat.example.com/possel/push" {
		t.Fatalf("expected wss push url, got %q", cfg.PushURL)
	}
	if cfg.BackfillWindow != 50 || cfg.ResolveTimeout != 2*time.Second {
		t.Fatalf("unexpected overrides: %#v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "window", key: "backfill.window", value: 0},
		{name: "workers", key: "resolve.workers", value: -1},
		{name: "retries", key: "resolve.retries", value: -1},
		{name: "pending", key: "pending.limit", value: 0},
		{name: "push url", key: "push.url", value: "http://example.com/push"},
		{name: "backoff", key: "push.max_backoff", value: time.Millisecond},
		{name: "base url scheme", key: "server.base_url", value: "ftp://example.com"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error for %s", testCase.key)
			}
		})
	}
}
