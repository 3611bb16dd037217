package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATA_DIR", "STORE", "STORE_PATH", "FETCH_TIMEOUT_SECONDS", "VALIDATE_TILES", "WARMUP_RADIUS_KM", "ALLOWED_ORIGIN"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != 8080 || cfg.Store != "badger" || cfg.StorePath != "/data/tiles" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.FetchTimeout != 0 {
		t.Fatalf("FetchTimeout = %v, want no timeout", cfg.FetchTimeout)
	}
	if cfg.ValidateTiles || cfg.WarmupEnabled() {
		t.Fatal("validation and warmup should be off by default")
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins(), []string{"*"}) {
		t.Fatalf("AllowedOrigins() = %v", cfg.AllowedOrigins())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/tiles")
	t.Setenv("STORE", "redis")
	t.Setenv("FETCH_TIMEOUT_SECONDS", "15")
	t.Setenv("FETCH_RATE_PER_SECOND", "2.5")
	t.Setenv("VALIDATE_TILES", "true")
	t.Setenv("WARMUP_LAT", "13.3409")
	t.Setenv("WARMUP_LON", "74.7421")
	t.Setenv("WARMUP_RADIUS_KM", "7.5")
	t.Setenv("ALLOWED_ORIGIN", "https://a.example, https://b.example,")
	t.Setenv("PORT", "not-a-number")

	cfg := Load()
	if cfg.StorePath != "/var/lib/tiles/tiles" || cfg.Store != "redis" {
		t.Fatalf("store config = %q %q", cfg.Store, cfg.StorePath)
	}
	if cfg.FetchTimeout != 15*time.Second || cfg.FetchRatePerSecond != 2.5 {
		t.Fatalf("fetch config = %v %v", cfg.FetchTimeout, cfg.FetchRatePerSecond)
	}
	if !cfg.ValidateTiles {
		t.Fatal("ValidateTiles should be true")
	}
	if !cfg.WarmupEnabled() || cfg.WarmupLat != 13.3409 || cfg.WarmupLon != 74.7421 {
		t.Fatalf("warmup config = %v %v %v", cfg.WarmupLat, cfg.WarmupLon, cfg.WarmupRadiusKm)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.AllowedOrigins(), want) {
		t.Fatalf("AllowedOrigins() = %v, want %v", cfg.AllowedOrigins(), want)
	}
	if cfg.Port != 8080 {
		t.Fatalf("invalid PORT should fall back to default, got %d", cfg.Port)
	}
}
