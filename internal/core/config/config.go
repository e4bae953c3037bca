// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	LogLevel string
	LogFmt   string

	UpstreamURLs []string
	RedisURL     string

	CacheTTL            time.Duration
	SWRWindow           time.Duration
	TilePrecision       uint
	UpstreamPrecision   uint
	MaxTilesPerRequest  int
	MissLockTTL         time.Duration
	UpstreamCooldown    time.Duration
	UpstreamDailyLimit  int
	TransparentOnly     bool
	MaxConcurrentRefresh int

	MetricsEnabled      bool
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
}

func FromEnv() Config {
	ttl := getduration("CACHE_TTL_SECONDS_DUR", 0)
	if ttl == 0 {
		ttl = time.Duration(getint("CACHE_TTL_SECONDS", 86400)) * time.Second
	}

	swrDefault := ttl / 10
	if swrDefault < 30*time.Second {
		swrDefault = 30 * time.Second
	}
	swr := time.Duration(getint("SWR_SECONDS", int(swrDefault.Seconds()))) * time.Second

	tilePrec := uint(getint("TILE_PRECISION", 5))

	coarseDefault := int(tilePrec) - 2
	if coarseDefault < 2 {
		coarseDefault = 2
	}
	coarsePrec := uint(getint("UPSTREAM_TILE_PRECISION", coarseDefault))

	return Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: inferLogLevel(),
		LogFmt:   getenv("LOG_FORMAT", "json"),

		UpstreamURLs: parseUpstreamURLs(),
		RedisURL:     getenv("REDIS_URL", "redis://redis:6379"),

		CacheTTL:              ttl,
		SWRWindow:             swr,
		TilePrecision:         tilePrec,
		UpstreamPrecision:     coarsePrec,
		MaxTilesPerRequest:    getint("MAX_TILES_PER_REQUEST", 1024),
		MissLockTTL:           getduration("MISS_LOCK_TTL", 10*time.Second),
		UpstreamCooldown:      time.Duration(getint("UPSTREAM_FAILURE_COOLDOWN_SECONDS", 60)) * time.Second,
		UpstreamDailyLimit:    getint("UPSTREAM_DAILY_LIMIT", -1),
		TransparentOnly:       getbool("TRANSPARENT_ONLY", false),
		MaxConcurrentRefresh:  getint("MAX_CONCURRENT_REFRESH", 8),

		MetricsEnabled:    getbool("METRICS_ENABLED", true),
		ReadHeaderTimeout: getduration("READ_HEADER_TIMEOUT", 5*time.Second),
		ShutdownTimeout:   getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func parseUpstreamURLs() []string {
	raw := getenv("UPSTREAM_URLS", "")
	if raw == "" {
		raw = getenv("UPSTREAM_URL", "https://overpass-api.de/api/interpreter")
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = []string{"https://overpass-api.de/api/interpreter"}
	}
	return out
}

// inferLogLevel implements the LOG_VERBOSITY/LOG_LEVEL precedence from the
// configuration surface: LOG_VERBOSITY wins when set, else LOG_LEVEL, else
// "silent" under `go test`, else "info".
func inferLogLevel() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_VERBOSITY"))) {
	case "errors":
		return "error"
	case "info":
		return "info"
	case "full", "debug", "verbose":
		return "debug"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	if isTestBinary() {
		return "silent"
	}
	return "info"
}

func isTestBinary() bool {
	return strings.HasSuffix(os.Args[0], ".test") || strings.Contains(os.Args[0], "/_test/")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
