// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openaerialmap/dynamic-tiler/catalog"
	"github.com/openaerialmap/dynamic-tiler/fetch"
	"github.com/openaerialmap/dynamic-tiler/raster"
)

const appName = "dynamic-tiler"

var (
	httpAPIServer     *http.Server
	httpMetricsServer *http.Server
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	S3Bucket             string `env:"S3_BUCKET"`
	S3Prefix             string `env:"S3_PREFIX" envDefault:""`
	RemoteCatalogBaseURL string `env:"REMOTE_CATALOG_BASE_URL" envDefault:"https://api.openaerialmap.org"`

	CacheMaxSize int64         `env:"CACHE_MAX_SIZE" envDefault:"512"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"1h"`

	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	SceneFetchWorkers int           `env:"SCENE_FETCH_WORKERS" envDefault:"0"`
	ProbeRasters      bool          `env:"PROBE_RASTERS" envDefault:"false"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}
	if cfg.S3Bucket == "" {
		fmt.Println("S3_BUCKET must be set")
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	fetcher := fetch.NewClient(cfg.FetchTimeout)
	defer fetcher.Close()

	var prober catalog.Prober
	if cfg.ProbeRasters {
		prober = &raster.Prober{
			HTTPClient: fetcher.HTTPClient(),
			Buckets:    fetcher,
		}
	}

	registry := catalog.NewRegistry(catalog.RegistryConfig{
		Bucket:        cfg.S3Bucket,
		Prefix:        normalizePrefix(cfg.S3Prefix),
		RemoteBaseURL: cfg.RemoteCatalogBaseURL,
		SceneWorkers:  cfg.SceneFetchWorkers,
		CacheSize:     cfg.CacheMaxSize,
		CacheTTL:      cfg.CacheTTL,
	}, fetcher, prober)

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP API Server
	g.Go(func() error {
		return startAPIServer(logger, cfg, registry)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startAPIServer(logger *slog.Logger, cfg Config, registry *catalog.Registry) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	// Rendering is delegated to an external collaborator; none is wired in
	// this build, so render routes answer 501.
	router := newRouter(registry, nil)

	httpAPIServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logger.Info("HTTP API server listening", "address", addr)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

// normalizePrefix brings an operator-supplied key prefix into canonical form:
// empty or ending with exactly one slash, never starting with one.
func normalizePrefix(prefix string) string {
	if prefix == "/" {
		prefix = ""
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	prefix = strings.TrimPrefix(prefix, "/")
	return prefix
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}
