package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hls-caching-proxy/internal/cache"
	"hls-caching-proxy/internal/config"
	"hls-caching-proxy/internal/database"
	"hls-caching-proxy/internal/fetcher"
	"hls-caching-proxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	playlist := flag.String("url", "", "origin playlist URL to print a proxied URL for")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error when building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		zap.L().Fatal("cache store init failed", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	defer closeStore()

	client := fetcher.NewClient(fetcher.Config{
		Timeout:      cfg.UpstreamTimeout.Duration,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Headers:      cfg.Headers,
	})

	opts := []proxy.Option{
		proxy.WithHost(cfg.ProxyHost),
		proxy.WithLogger(logger),
		proxy.WithShutdownTimeout(cfg.ShutdownTimeout.Duration),
		proxy.WithMetricsEndpoint(cfg.MetricsEnabled),
	}
	if cfg.PrefetchEnabled {
		opts = append(opts, proxy.WithPrefetch(cfg.PrefetchSegments, cfg.PrefetchWorkers))
	}
	server := proxy.NewServer(client, store, opts...)
	if err := server.Start(cfg.ProxyPort); err != nil {
		zap.L().Fatal("proxy start failed", zap.Error(err))
	}

	if *playlist != "" {
		origin, err := url.Parse(*playlist)
		if err != nil || !origin.IsAbs() {
			zap.L().Error("ignoring invalid -url", zap.String("url", *playlist))
		} else {
			fmt.Println(server.ReverseProxyURL(origin).String())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		zap.L().Error("proxy stop failed", zap.Error(err))
	}
}

func openStore(cfg config.Config) (cache.Store, func(), error) {
	switch cfg.CacheBackend {
	case config.BackendSQLite:
		db, err := database.Open(cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		store, err := cache.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		zap.L().Info("using sqlite cache", zap.String("dir", cfg.CacheDir))
		return store, func() { db.Close() }, nil
	default:
		store, err := cache.NewMemoryStore(cfg.CacheMaxBytes)
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("using memory cache", zap.String("max_size", humanize.IBytes(uint64(cfg.CacheMaxBytes))))
		return store, store.Close, nil
	}
}

func buildLogger(level, encoding string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(encoding, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func parseLogLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
