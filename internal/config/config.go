// Package config loads runtime configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pattty847/Sentinel-sub000/internal/domain"
)

// Defaults for the Coinbase Advanced Trade endpoint.
const (
	DefaultHost = "advanced-trade-ws.coinbase.com"
	DefaultPort = "443"
)

// Config holds all runtime settings.
type Config struct {
	// KeyFilePath points at the JSON API key file.
	KeyFilePath string

	// WebSocket endpoint.
	Host   string
	Port   string
	Target string

	// Channels and products subscribed at startup.
	Channels []string
	Products []string

	// Liquidity engine settings.
	PriceResolution  float64
	TimeframesMs     []int64
	MaxHistorySlices int
	DepthLimit       int
	DisplayMode      string

	// SnapshotIntervalMs is the dense snapshot cadence.
	SnapshotIntervalMs int64

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string

	// StatsIntervalSec is the cadence of the periodic stats log line.
	StatsIntervalSec int
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		KeyFilePath:        "key.json",
		Host:               DefaultHost,
		Port:               DefaultPort,
		Target:             "/",
		Channels:           append([]string(nil), domain.DefaultChannels...),
		Products:           []string{"BTC-USD"},
		PriceResolution:    1.0,
		TimeframesMs:       []int64{100, 250, 500, 1000, 2000, 5000, 10000},
		MaxHistorySlices:   5000,
		DepthLimit:         2000,
		DisplayMode:        "average",
		SnapshotIntervalMs: 100,
		MetricsAddr:        ":9090",
		StatsIntervalSec:   10,
	}
}

// Load builds the config from defaults overridden by SENTINEL_* environment
// variables. A .env file in the working directory is read first when
// present; real environment variables win over it.
func Load() (Config, error) {
	// Ignore a missing .env; it only exists in development.
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("SENTINEL_KEY_FILE"); v != "" {
		cfg.KeyFilePath = v
	}
	if v := os.Getenv("SENTINEL_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SENTINEL_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("SENTINEL_TARGET"); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv("SENTINEL_CHANNELS"); v != "" {
		cfg.Channels = splitList(v)
	}
	if v := os.Getenv("SENTINEL_PRODUCTS"); v != "" {
		cfg.Products = splitList(v)
	}
	if v := os.Getenv("SENTINEL_PRICE_RESOLUTION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: SENTINEL_PRICE_RESOLUTION: %w", err)
		}
		cfg.PriceResolution = f
	}
	if v := os.Getenv("SENTINEL_TIMEFRAMES_MS"); v != "" {
		tfs, err := parseInt64List(v)
		if err != nil {
			return cfg, fmt.Errorf("config: SENTINEL_TIMEFRAMES_MS: %w", err)
		}
		cfg.TimeframesMs = tfs
	}
	if v := os.Getenv("SENTINEL_MAX_HISTORY_SLICES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: SENTINEL_MAX_HISTORY_SLICES: %w", err)
		}
		cfg.MaxHistorySlices = n
	}
	if v := os.Getenv("SENTINEL_DEPTH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: SENTINEL_DEPTH_LIMIT: %w", err)
		}
		cfg.DepthLimit = n
	}
	if v := os.Getenv("SENTINEL_DISPLAY_MODE"); v != "" {
		cfg.DisplayMode = v
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_INTERVAL_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: SENTINEL_SNAPSHOT_INTERVAL_MS: %w", err)
		}
		cfg.SnapshotIntervalMs = n
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SENTINEL_STATS_INTERVAL_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: SENTINEL_STATS_INTERVAL_SEC: %w", err)
		}
		cfg.StatsIntervalSec = n
	}

	return cfg, cfg.Validate()
}

// URL renders the WebSocket endpoint.
func (c Config) URL() string {
	target := c.Target
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return fmt.Sprintf("wss://%s:%s%s", c.Host, c.Port, target)
}

// Validate checks field consistency.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config: at least one product is required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one channel is required")
	}
	if c.PriceResolution <= 0 {
		return fmt.Errorf("config: price resolution must be positive")
	}
	if c.SnapshotIntervalMs <= 0 {
		return fmt.Errorf("config: snapshot interval must be positive")
	}
	for _, tf := range c.TimeframesMs {
		if tf <= 0 {
			return fmt.Errorf("config: timeframe %dms must be positive", tf)
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(v string) ([]int64, error) {
	parts := splitList(v)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
