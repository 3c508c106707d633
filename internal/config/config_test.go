package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("SIGNING_SECRET", "secret")
	t.Setenv("EXTRACTION_BACKEND", "vision")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimitPerSecond != 15 {
		t.Fatalf("expected rate 15, got %d", cfg.RateLimitPerSecond)
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second, 13 * time.Second, 34 * time.Second}
	if len(cfg.PollSchedule) != len(want) {
		t.Fatalf("expected %d poll steps, got %v", len(want), cfg.PollSchedule)
	}
	for i := range want {
		if cfg.PollSchedule[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], cfg.PollSchedule[i])
		}
	}
	if cfg.PollMaxDuration != 24*time.Hour {
		t.Fatalf("expected 24h polling ceiling, got %s", cfg.PollMaxDuration)
	}
	if cfg.SessionRetention != 24*time.Hour {
		t.Fatalf("expected 24h retention, got %s", cfg.SessionRetention)
	}
}

func TestConcurrencyFor(t *testing.T) {
	setRequired(t)
	t.Setenv("TIER_CONCURRENCY", "free=1, Pro=4")
	t.Setenv("DEFAULT_CONCURRENCY", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cases := map[string]int{"free": 1, "pro": 4, "PRO": 4, "unknown": 2}
	for tier, want := range cases {
		if got := cfg.ConcurrencyFor(tier); got != want {
			t.Fatalf("tier %s: expected %d, got %d", tier, want, got)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":    {"POLL_MAX_DURATION", "forever"},
		"bad tier":        {"TIER_CONCURRENCY", "free"},
		"bad schedule":    {"POLL_SCHEDULE", "2s,-1s"},
		"bad storage":     {"STORAGE_BACKEND", "s3"},
		"zero rate limit": {"RATE_LIMIT_PER_SECOND", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestDocumentAIAsyncRequiresGCS(t *testing.T) {
	setRequired(t)
	t.Setenv("EXTRACTION_BACKEND", "documentai")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("DOCUMENT_AI_PROCESSOR_ID", "proc")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when async extraction runs against local storage")
	}

	t.Setenv("DOCUMENT_AI_ASYNC", "false")
	if _, err := Load(); err != nil {
		t.Fatalf("expected sync Document AI to accept local storage, got %v", err)
	}
}
