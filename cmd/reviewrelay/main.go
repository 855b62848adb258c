// Command reviewrelay launches the review-event relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/dedup"
	"github.com/reviewrelay/reviewrelay/internal/dispatch"
	"github.com/reviewrelay/reviewrelay/internal/filter"
	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/pipeline"
	httpserver "github.com/reviewrelay/reviewrelay/internal/server/http"
	"github.com/reviewrelay/reviewrelay/internal/source"
	"github.com/reviewrelay/reviewrelay/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	relayLoggerPrefix        = "reviewrelay "
	shutdownTimeout          = 30 * time.Second
	controlShutdownTimeout   = 5 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, source=%s, projects=%d, rooms=%d",
		appCfg.Environment, appCfg.Source, len(appCfg.Rules.Projects), len(appCfg.Sink.Rooms))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	cache, err := dedup.NewSeenCache(appCfg.Cache.MaxSize, appCfg.Cache.SeenTTL)
	if err != nil {
		logger.Fatalf("initialise seen cache: %v", err)
	}

	instruments := telemetry.NewInstruments(telemetryProvider,
		string(appCfg.Environment), string(appCfg.Source), cache.Len)

	var pipe *pipeline.Pipeline
	src, err := source.New(appCfg, source.Hooks{
		OnReconnect: func(result string) {
			instruments.RecordReconnect(ctx, result)
			if pipe != nil {
				pipe.Metrics().IncReconnect()
			}
		},
		OnRecord: func(bytes int) { instruments.RecordRecord(ctx, bytes) },
	})
	if err != nil {
		logger.Fatalf("initialise source: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.LogSink{}, appCfg.Sink)
	pipe = pipeline.New(src, filter.NewRules(appCfg.Rules), cache, dispatcher, instruments)

	if err := pipe.Start(ctx); err != nil {
		logger.Fatalf("start pipeline: %v", err)
	}
	logger.Printf("pipeline started: cache=%d entries, ttl=%s",
		cache.Capacity(), cache.TTL())

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(appCfg.APIServer, pipe)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("relay started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		pipe:       pipe,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.FromApp(appCfg)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.APIServerConfig, pipe *pipeline.Pipeline) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(pipe),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	pipe       *pipeline.Pipeline
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.pipe != nil {
		shutdownStep("draining pipeline", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.pipe.Stop(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
