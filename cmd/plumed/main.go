// Plumed is the agent orchestration daemon for social publishing.
//
// It accepts action requests (connect a social account, finish the OAuth
// callback, publish content), drives each through a bounded workflow, and
// invokes tools on a remote tool registry over HTTP.
//
// Configuration is loaded from ~/.config/plumed/config.yaml and overridden
// by environment variables.
//
// Usage:
//
//	# Start the daemon with defaults
//	plumed
//
//	# Configure via environment
//	SERVER_PORT=9090 REGISTRY_BASE_URL=http://registry:8765 plumed
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/plumeworks/plumed/internal/config"
	"github.com/plumeworks/plumed/internal/credentials"
	"github.com/plumeworks/plumed/internal/httpapi"
	"github.com/plumeworks/plumed/internal/logging"
	"github.com/plumeworks/plumed/internal/oauthstate"
	"github.com/plumeworks/plumed/internal/orchestrator"
	"github.com/plumeworks/plumed/internal/reasoner"
	"github.com/plumeworks/plumed/internal/telemetry"
	"github.com/plumeworks/plumed/internal/toolreg"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/plumed/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  plumed           Start the plumed daemon\n")
			fmt.Fprintf(os.Stderr, "  plumed version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("plumed by Plumeworks\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon together and blocks until ctx is cancelled:
//  1. Load and validate configuration
//  2. Initialize telemetry and logger
//  3. Open the credential store, state store, and registry client
//  4. Build the workflow engine (with the optional reasoner)
//  5. Serve HTTP, then shut everything down in reverse order
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.NewLogger(logging.NewDefaultConfig(), tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "plumed starting",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("build_date", buildDate),
	)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	credStore, err := credentials.Open(cfg.Credentials.Path)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer func() { _ = credStore.Close() }()

	stateStore := oauthstate.NewStore(logger.Named("oauthstate"),
		oauthstate.WithTTL(cfg.OAuth.StateTTL.Duration()),
		oauthstate.WithSweepInterval(cfg.OAuth.SweepInterval.Duration()),
	)
	defer stateStore.Close()

	registry, err := toolreg.NewClient(toolreg.Config{
		BaseURL:        cfg.Registry.BaseURL,
		DiscoveryTTL:   cfg.Registry.DiscoveryTTL.Duration(),
		InvokeTimeout:  cfg.Registry.InvokeTimeout.Duration(),
		MaxRetries:     cfg.Registry.MaxRetries,
		InitialBackoff: cfg.Registry.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Registry.MaxBackoff.Duration(),
	}, logger.Named("toolreg"),
		toolreg.WithMetrics(toolreg.NewMetrics(promRegistry)),
	)
	if err != nil {
		return fmt.Errorf("creating registry client: %w", err)
	}

	var engineOpts []orchestrator.EngineOption
	if cfg.Reasoner.Enabled {
		r, err := reasoner.NewClient(reasoner.Config{
			BaseURL:           cfg.Reasoner.BaseURL,
			APIKey:            cfg.Reasoner.APIKey,
			Model:             cfg.Reasoner.Model,
			Timeout:           cfg.Reasoner.Timeout.Duration(),
			RequestsPerSecond: cfg.Reasoner.RequestsPerSecond,
			Burst:             cfg.Reasoner.Burst,
		}, logger.Named("reasoner"))
		if err != nil {
			return fmt.Errorf("creating reasoner client: %w", err)
		}
		engineOpts = append(engineOpts, orchestrator.WithReasoner(r))
	}

	engine, err := orchestrator.NewEngine(orchestrator.EngineConfig{
		CallbackURL:     cfg.OAuth.CallbackURL,
		ReasonerTimeout: cfg.Reasoner.Timeout.Duration(),
	}, registry, stateStore, credStore, logger.Named("orchestrator"), engineOpts...)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, engine, logger.Named("http"), promRegistry)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	// Warm the tool catalog; a cold registry is not fatal.
	if _, err := registry.Discover(ctx); err != nil {
		logger.Warn(ctx, "initial tool discovery failed, will retry on demand", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
