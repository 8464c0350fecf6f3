package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             int
	DataDir          string
	LogLevel         string
	LogEncoding      string
	SettleWindow     time.Duration
	BatchTimeout     time.Duration
	MaxBatch         int
	RequestTimeout   time.Duration
	KeySalt          string
	TileURLTemplate  string
	TileSubdomains   []string
	FallbackTemplate string
	ResolverWorkers  int
	Decoder          string
	MaxTileBytes     int64
	VipsMaxCacheMB   int
	VipsConcurrency  int
	CacheType        string
	CacheMemoryTiles int
	CacheMemoryBytes int64
	WarmupLevels     int
	WarmupWorkers    int
	AllowedOrigin    string
}

func Load() *Config {
	cfg := &Config{
		Port:             getEnvInt("PORT", 8080),
		DataDir:          getEnv("DATA_DIR", "/data"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogEncoding:      getEnv("LOG_ENCODING", "json"),
		SettleWindow:     getEnvMillis("SETTLE_WINDOW_MS", 50),
		BatchTimeout:     getEnvMillis("BATCH_TIMEOUT_MS", 10000),
		MaxBatch:         getEnvInt("MAX_BATCH", 256),
		RequestTimeout:   getEnvMillis("REQUEST_TIMEOUT_MS", 15000),
		KeySalt:          getEnv("KEY_SALT", ""),
		TileURLTemplate:  getEnv("TILE_URL_TEMPLATE", ""),
		TileSubdomains:   getEnvList("TILE_SUBDOMAINS"),
		FallbackTemplate: getEnv("FALLBACK_URL_TEMPLATE", ""),
		ResolverWorkers:  getEnvInt("RESOLVER_WORKERS", 8),
		Decoder:          getEnv("DECODER", "native"),
		MaxTileBytes:     getEnvInt64("MAX_TILE_BYTES", 16<<20),
		VipsMaxCacheMB:   getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:  getEnvInt("VIPS_CONCURRENCY", 1),
		CacheType:        getEnv("CACHE", "memory"),
		CacheMemoryTiles: getEnvInt("CACHE_MEMORY_TILES", 2000),
		CacheMemoryBytes: getEnvInt64("CACHE_MEMORY_BYTES", 256<<20),
		WarmupLevels:     getEnvInt("WARMUP_LEVELS", 0),
		WarmupWorkers:    getEnvInt("WARMUP_WORKERS", 64),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	return getList(value)
}

// AllowedOrigins is the CORS origin list; an empty setting allows any origin.
func (c *Config) AllowedOrigins() []string {
	if strings.TrimSpace(c.AllowedOrigin) == "" {
		return []string{"*"}
	}
	return getList(c.AllowedOrigin)
}

func getList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
