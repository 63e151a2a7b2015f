package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type Config struct {
	Headers          map[string]string `json:"headers"`
	ProxyHost        string            `json:"proxy_host"`
	ProxyPort        int               `json:"proxy_port"`
	CacheBackend     string            `json:"cache_backend"`
	CacheDir         string            `json:"cache_dir"`
	CacheMaxBytes    int64             `json:"cache_max_bytes"`
	UpstreamTimeout  Duration          `json:"upstream_timeout"`
	MaxBodyBytes     int64             `json:"max_body_bytes"`
	PrefetchEnabled  bool              `json:"prefetch_enabled"`
	PrefetchSegments int               `json:"prefetch_segments"`
	PrefetchWorkers  int               `json:"prefetch_workers"`
	MetricsEnabled   bool              `json:"metrics_enabled"`
	ShutdownTimeout  Duration          `json:"shutdown_timeout"`
	LogLevel         string            `json:"log_level"`
	LogEncoding      string            `json:"log_encoding"`
}

// Duration accepts either a Go duration string ("30s") or a number of seconds in JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
		return nil
	case string:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = dur
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func Default() Config {
	return Config{
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		ProxyHost:        "127.0.0.1",
		ProxyPort:        8084,
		CacheBackend:     BackendMemory,
		CacheDir:         "./cache",
		CacheMaxBytes:    256 << 20,
		UpstreamTimeout:  Duration{30 * time.Second},
		MaxBodyBytes:     64 << 20,
		PrefetchEnabled:  false,
		PrefetchSegments: 3,
		PrefetchWorkers:  4,
		MetricsEnabled:   true,
		ShutdownTimeout:  Duration{5 * time.Second},
		LogLevel:         "info",
		LogEncoding:      "json",
	}
}

// Load builds a Config from defaults, the optional JSON file at path, an optional .env
// file and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ProxyHost = getEnvString("HLS_PROXY_HOST", c.ProxyHost)
	c.CacheBackend = strings.ToLower(getEnvString("HLS_CACHE_BACKEND", c.CacheBackend))
	c.CacheDir = getEnvString("HLS_CACHE_DIR", c.CacheDir)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogEncoding = getEnvString("LOG_ENCODING", c.LogEncoding)

	var err error
	if c.ProxyPort, err = parseIntEnv("HLS_PROXY_PORT", c.ProxyPort); err != nil {
		return err
	}
	if c.CacheMaxBytes, err = parseInt64Env("HLS_CACHE_MAX_BYTES", c.CacheMaxBytes); err != nil {
		return err
	}
	if c.MaxBodyBytes, err = parseInt64Env("HLS_MAX_BODY_BYTES", c.MaxBodyBytes); err != nil {
		return err
	}
	if c.PrefetchSegments, err = parseIntEnv("HLS_PREFETCH_SEGMENTS", c.PrefetchSegments); err != nil {
		return err
	}
	if c.PrefetchWorkers, err = parseIntEnv("HLS_PREFETCH_WORKERS", c.PrefetchWorkers); err != nil {
		return err
	}
	if c.PrefetchEnabled, err = parseBoolEnv("HLS_PREFETCH_ENABLED", c.PrefetchEnabled); err != nil {
		return err
	}
	if c.MetricsEnabled, err = parseBoolEnv("HLS_METRICS_ENABLED", c.MetricsEnabled); err != nil {
		return err
	}
	if c.UpstreamTimeout.Duration, err = parseDurationEnv("HLS_UPSTREAM_TIMEOUT", c.UpstreamTimeout.Duration); err != nil {
		return err
	}
	if c.ShutdownTimeout.Duration, err = parseDurationEnv("HLS_SHUTDOWN_TIMEOUT", c.ShutdownTimeout.Duration); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if c.ProxyHost == "" {
		return errors.New("proxy_host is required")
	}
	if c.ProxyPort < 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy_port %d", c.ProxyPort)
	}
	switch c.CacheBackend {
	case BackendMemory:
		if c.CacheMaxBytes <= 0 {
			return errors.New("cache_max_bytes must be > 0 for the memory backend")
		}
	case BackendSQLite:
		if c.CacheDir == "" {
			return errors.New("cache_dir is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown cache_backend %q", c.CacheBackend)
	}
	if c.UpstreamTimeout.Duration <= 0 {
		return errors.New("upstream_timeout must be > 0")
	}
	if c.PrefetchEnabled && (c.PrefetchSegments <= 0 || c.PrefetchWorkers <= 0) {
		return errors.New("prefetch_segments and prefetch_workers must be > 0 when prefetch is enabled")
	}
	return nil
}

func getEnvString(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return val, nil
}

func parseInt64Env(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return val, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return val, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return dur, nil
}
