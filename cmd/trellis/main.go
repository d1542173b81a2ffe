package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/televine-platform/trellis-go/internal/agent"
	"github.com/televine-platform/trellis-go/internal/certgate"
	"github.com/televine-platform/trellis-go/internal/config"
	"github.com/televine-platform/trellis-go/internal/controlplane"
	"github.com/televine-platform/trellis-go/internal/discovery"
	"github.com/televine-platform/trellis-go/internal/enrichment"
	"github.com/televine-platform/trellis-go/internal/localapi"
	"github.com/televine-platform/trellis-go/internal/pipeline"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "trellis",
		Short: "Fleet-side control-plane agent for the telemetry pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	host, err := cfg.ResolveHostname()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %v", err)
	}

	client := controlplane.NewClient(cfg.BaseURL, cfg.CollectorSecret, host, cfg.ComponentVersions, sugar)
	cli := pipeline.NewVectorCLI(cfg.VectorBinary, cfg.VectorPIDFile, sugar)

	promoter, err := pipeline.NewPromoter(cfg.WorkingDir, cli, sugar)
	if err != nil {
		return err
	}
	engine, err := discovery.NewEngine(cfg.WorkingDir, cfg.NodeName, cli, sugar)
	if err != nil {
		return err
	}

	gate := certgate.NewGate(cfg.WorkingDir, cfg.SSLDir, &certgate.CommandIssuer{Command: cfg.CertIssuerRestart}, sugar)
	containers := enrichment.NewTableSync(cfg.EnrichmentDir, "docker-mappings", enrichment.ContainersPolicy, sugar)
	databases := enrichment.NewTableSync(cfg.EnrichmentDir, "databases", enrichment.DatabasesPolicy, sugar)

	syncAgent, err := agent.New(cfg.WorkingDir, cfg.ForceClusterCollector, client, promoter, engine, gate, containers, databases, sugar)
	if err != nil {
		return err
	}

	server, err := localapi.NewServer(cfg.ListenAddr, cfg.VectorMetricsURL, func() bool { return cfg.CompanionEnabled }, sugar)
	if err != nil {
		return err
	}
	server.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("agent started", "host", host, "base_url", cfg.BaseURL, "interval", cfg.CycleInterval)

	ticker := time.NewTicker(cfg.CycleInterval)
	defer ticker.Stop()

	// Cycles run inline on this goroutine, so a slow cycle simply swallows
	// the ticks it missed instead of overlapping with itself.
	for {
		if err := syncAgent.RunCycle(ctx); err != nil {
			if errors.Is(err, controlplane.ErrUnauthorized) {
				sugar.Errorw("control plane rejected credentials, terminating", "error", err)
				return err
			}
			sugar.Errorw("cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			sugar.Info("termination signal received, shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
