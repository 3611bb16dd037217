package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port    int
	DataDir string

	Store          string
	StorePath      string
	MemoryMaxTiles int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string

	TileURLTemplate    string
	UserAgent          string
	FetchTimeout       time.Duration
	FetchWorkers       int
	FetchRatePerSecond float64
	FetchBurst         int
	BreakerFailures    int
	BreakerCooldown    time.Duration

	ValidateTiles   bool
	VipsMaxCacheMB  int
	VipsConcurrency int

	// Home region precached at startup when WarmupRadiusKm > 0.
	WarmupLat      float64
	WarmupLon      float64
	WarmupRadiusKm float64

	CleanupInterval time.Duration
	RegionRateLimit int

	LogLevel      string
	AllowedOrigin string
	PublicBaseURL string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:    getEnvInt("PORT", 8080),
		DataDir: dataDir,

		Store:          getEnv("STORE", "badger"),
		StorePath:      getEnv("STORE_PATH", filepath.Join(dataDir, "tiles")),
		MemoryMaxTiles: getEnvInt("MEMORY_MAX_TILES", 0),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisPrefix:    getEnv("REDIS_PREFIX", "offlinetiles:"),

		TileURLTemplate:    getEnv("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/{z}/{x}/{y}.png"),
		UserAgent:          getEnv("USER_AGENT", "offlinetiles/1.0"),
		FetchTimeout:       time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 0)) * time.Second,
		FetchWorkers:       getEnvInt("FETCH_WORKERS", 4),
		FetchRatePerSecond: getEnvFloat("FETCH_RATE_PER_SECOND", 0),
		FetchBurst:         getEnvInt("FETCH_BURST", 1),
		BreakerFailures:    getEnvInt("BREAKER_FAILURES", 5),
		BreakerCooldown:    time.Duration(getEnvInt("BREAKER_COOLDOWN_SECONDS", 30)) * time.Second,

		ValidateTiles:   getEnvBool("VALIDATE_TILES", false),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 64),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),

		WarmupLat:      getEnvFloat("WARMUP_LAT", 0),
		WarmupLon:      getEnvFloat("WARMUP_LON", 0),
		WarmupRadiusKm: getEnvFloat("WARMUP_RADIUS_KM", 0),

		CleanupInterval: time.Duration(getEnvInt("CLEANUP_INTERVAL_MINUTES", 60)) * time.Minute,
		RegionRateLimit: getEnvInt("REGION_RATE_LIMIT", 10),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
	}

	return cfg
}

func (c *Config) WarmupEnabled() bool {
	return c.WarmupRadiusKm > 0
}

// AllowedOrigins splits ALLOWED_ORIGIN on commas. Empty means any origin.
func (c *Config) AllowedOrigins() []string {
	if strings.TrimSpace(c.AllowedOrigin) == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
