package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/bietiekay/overpass-proxy/internal/cache/redisstore"
	"github.com/bietiekay/overpass-proxy/internal/cache/tilestore"
	"github.com/bietiekay/overpass-proxy/internal/core/config"
	"github.com/bietiekay/overpass-proxy/internal/core/httpclient"
	"github.com/bietiekay/overpass-proxy/internal/core/observability"
	"github.com/bietiekay/overpass-proxy/internal/core/server"
	"github.com/bietiekay/overpass-proxy/internal/dispatcher"
	"github.com/bietiekay/overpass-proxy/internal/logger"
	"github.com/bietiekay/overpass-proxy/internal/metrics"
	"github.com/bietiekay/overpass-proxy/internal/passthrough"
	"github.com/bietiekay/overpass-proxy/internal/upstream/client"
	"github.com/bietiekay/overpass-proxy/internal/upstream/pool"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.EqualFold(cfg.LogFmt, "console") || strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer(), cfg.MetricsEnabled)

	appLog.Info("starting overpass-proxy",
		"version", Version,
		"port", cfg.Port,
		"upstreams", cfg.UpstreamURLs,
		"tile_precision", cfg.TilePrecision)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr, err := redisAddrFromURL(cfg.RedisURL)
	if err != nil {
		appLog.Error("invalid REDIS_URL", "err", err)
		return 1
	}

	rc, err := redisstore.New(ctx, redisAddr)
	if err != nil {
		appLog.Error("failed to connect to redis", "err", err)
		return 1
	}
	defer func() { _ = rc.Close() }()

	store := tilestore.New(rc, cfg.CacheTTL, cfg.SWRWindow)

	upstreamPool := pool.New(cfg.UpstreamURLs, cfg.UpstreamCooldown, cfg.UpstreamDailyLimit)
	httpClient := httpclient.NewOutbound()
	upstreamClient := client.New(httpClient, upstreamPool)
	proxy := passthrough.New(httpClient, upstreamPool, appLog)

	disp := dispatcher.New(store, upstreamClient, proxy, appLog, dispatcher.Config{
		TilePrecision:        cfg.TilePrecision,
		CoarsePrecision:      cfg.UpstreamPrecision,
		MaxTilesPerRequest:   cfg.MaxTilesPerRequest,
		MissLockTTL:          cfg.MissLockTTL,
		MaxConcurrentRefresh: cfg.MaxConcurrentRefresh,
		TransparentOnly:      cfg.TransparentOnly,
	})

	var metricsHandler = p.Handler()
	if err := server.Run(ctx, cfg, appLog, disp, proxy, metricsHandler, store); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// redisAddrFromURL accepts either a bare host:port or a redis:// URL (as
// produced by most container orchestrators) and returns the host:port
// address redisstore.New expects.
func redisAddrFromURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return "", errors.New("parse REDIS_URL: " + err.Error())
	}
	return opts.Addr, nil
}
