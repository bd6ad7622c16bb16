package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pattty847/Sentinel-sub000/internal/auth"
	"github.com/pattty847/Sentinel-sub000/internal/config"
	"github.com/pattty847/Sentinel-sub000/internal/liquidity"
	"github.com/pattty847/Sentinel-sub000/internal/market"
	"github.com/pattty847/Sentinel-sub000/internal/monitor"
	"github.com/pattty847/Sentinel-sub000/internal/observability"
)

func main() {
	// Parse flags; the environment (SENTINEL_*) provides the base config.
	keyFile := flag.String("key-file", "", "Coinbase API key JSON file (overrides SENTINEL_KEY_FILE)")
	products := flag.String("products", "", "Comma-separated product IDs (overrides SENTINEL_PRODUCTS)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (overrides SENTINEL_METRICS_ADDR, empty string from env disables)")
	noAuth := flag.Bool("no-auth", false, "Skip JWT signing (public sandbox endpoints)")

	flag.Parse()

	logger := log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Config: %v", err)
	}
	if *keyFile != "" {
		cfg.KeyFilePath = *keyFile
	}
	if *products != "" {
		cfg.Products = splitProducts(*products)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	// Start metrics server if enabled
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Printf("Starting metrics server on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Load the API key unless running unauthenticated.
	var signer *auth.Signer
	if !*noAuth {
		signer, err = auth.NewSigner(cfg.KeyFilePath)
		if err != nil {
			logger.Fatalf("API key: %v", err)
		}
		logger.Printf("Loaded API key %s", signer.KeyID())
	}

	mon := monitor.New(logger)
	mon.SetOnAlert(func(a monitor.Alert) {
		logger.Printf("ALERT %s: %.2f (threshold %.2f)", a.Kind, a.Value, a.Threshold)
	})

	core := market.NewCore(market.Options{
		URL:      cfg.URL(),
		Channels: cfg.Channels,
		Signer:   signer,
		Monitor:  mon,
		LiquidityConfig: liquidity.Config{
			PriceResolution:  cfg.PriceResolution,
			BaseTimeframeMs:  cfg.SnapshotIntervalMs,
			TimeframesMs:     cfg.TimeframesMs,
			MaxHistorySlices: cfg.MaxHistorySlices,
			DepthLimit:       cfg.DepthLimit,
			DisplayMode:      liquidity.ParseDisplayMode(cfg.DisplayMode),
		},
		SnapshotInterval: time.Duration(cfg.SnapshotIntervalMs) * time.Millisecond,
		Logger:           logger,
	})

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	if err := core.Start(ctx); err != nil {
		logger.Fatalf("Start: %v", err)
	}

	if err := core.Subscribe(cfg.Products); err != nil {
		logger.Printf("Initial subscribe failed, will replay on reconnect: %v", err)
	}
	logger.Printf("Subscribed to %v on channels %v", cfg.Products, cfg.Channels)

	// Periodic stats line and memory check.
	statsInterval := time.Duration(cfg.StatsIntervalSec) * time.Second
	if statsInterval <= 0 {
		statsInterval = 10 * time.Second
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-ticker.C:
			mon.LogStats()
			mon.CheckMemory()
		}
	}

	core.Stop()
	close(done)
	logger.Println("Shutdown complete")
}

func splitProducts(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
