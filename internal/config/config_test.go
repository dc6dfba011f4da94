package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TIMEZONE", "")
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "bogus")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Timezone != "Africa/Nairobi" {
		t.Fatalf("expected default timezone Africa/Nairobi, got %q", cfg.Timezone)
	}
	if cfg.ReportCacheTTLSeconds != 60 {
		t.Fatalf("expected fallback report TTL 60, got %d", cfg.ReportCacheTTLSeconds)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
