// Command tidemark launches the execution and reconciliation runtime.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/tidemark/config"
	"github.com/coachpo/tidemark/internal/app"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/telemetry"
)

const (
	defaultConfigPath        = "config/tidemark.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "tidemark ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, venues=%d", cfg.Environment, len(cfg.Venues))

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	factory, err := app.NewClientFactory(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialise client factory: %v", err)
	}
	defer factory.Close()

	runtimes := make([]*app.VenueRuntime, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		runtime, err := factory.Venue(ctx, name, nil)
		if err != nil {
			logger.Fatalf("build venue %s: %v", name, err)
		}
		if err := runtime.Start(ctx, cfg.Reconcile); err != nil {
			logger.Fatalf("start venue %s: %v", name, err)
		}
		logger.Printf("venue %s connected", name)
		runtimes = append(runtimes, runtime)
	}

	<-ctx.Done()
	logger.Printf("shutdown signal received")

	for _, runtime := range runtimes {
		runtime.Stop()
		logger.Printf("venue %s stopped", runtime.Venue)
	}
}
