package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spe-platform/workspace-orchestrator/internal/api"
	"github.com/spe-platform/workspace-orchestrator/internal/audit"
	"github.com/spe-platform/workspace-orchestrator/internal/config"
	"github.com/spe-platform/workspace-orchestrator/internal/driver"
	"github.com/spe-platform/workspace-orchestrator/internal/engine"
	"github.com/spe-platform/workspace-orchestrator/internal/intake"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
	"github.com/spe-platform/workspace-orchestrator/internal/planner"
	"github.com/spe-platform/workspace-orchestrator/internal/secrets"
	"github.com/spe-platform/workspace-orchestrator/internal/store"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Workspace Provisioning Orchestrator for the Secure Processing Environment",
	Long: `The workspace-orchestrator drives a permit's workspace through its
lifecycle (ingress, preprocessing, review, setup, setup review, analysis)
by applying WorkspacePlans to a container platform in response to bus
events, and exposes a read-only status/connection API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"workspace-orchestrator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (optional, env vars under WPS_ always apply)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("workspace-orchestrator %s (%s, built %s)\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: consume bus events and serve the Read API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("service", cfg.ServiceName).Msg("starting workspace orchestrator")

	sm, err := buildSecretsManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to build secrets manager: %w", err)
	}

	st, err := store.NewBoltStore(cfg.StatePath, sm)
	if err != nil {
		return fmt.Errorf("failed to open state store at %s: %w", cfg.StatePath, err)
	}
	defer st.Close()

	drv, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to build stack driver: %w", err)
	}

	publisher := audit.NewPublisher(audit.Config{URL: cfg.BusURL, Exchange: cfg.Exchange})
	defer publisher.Close()

	planCfg := planner.Config{
		StackPrefix:  cfg.StackPrefix,
		Organization: cfg.Organization,
		ProjectName:  cfg.ProjectName,
	}
	eng := engine.New(st, drv, publisher, planCfg, func() string { return uuid.NewString() })

	consumer := intake.NewConsumer(intake.Config{
		URL:            cfg.BusURL,
		Exchange:       cfg.Exchange,
		Queue:          cfg.Queue,
		RoutingKeys:    cfg.EventBindings,
		Prefetch:       cfg.Prefetch,
		ReconnectDelay: config.ReconnectDelay,
	}, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intakeDone := make(chan error, 1)
	go func() {
		intakeDone <- consumer.Run(ctx)
	}()

	apiServer := api.NewServer(st, cfg.APIPrefix)
	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: apiServer.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("read API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("read API server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-intakeDone:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("event intake stopped unexpectedly")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), api.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("read API shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// buildSecretsManager derives the at-rest encryption key for connection
// info from WPS_ENCRYPTION_KEY (base64-encoded, 32 bytes). If unset, it
// falls back to a fixed development key and logs a warning - production
// deployments must set WPS_ENCRYPTION_KEY explicitly.
func buildSecretsManager(cfg *config.Config) (*secrets.Manager, error) {
	if cfg.EncryptionKey == "" {
		log.WithComponent("main").Warn().Msg("WPS_ENCRYPTION_KEY not set, using an insecure development key")
		return secrets.NewManagerFromPassword("dev-only-insecure-key")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("WPS_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	return secrets.NewManager(key)
}

// buildDriver selects the no-op driver (local dev, disable_driver=true)
// or a real in-cluster Kubernetes driver using the pod's in-cluster
// service account config.
func buildDriver(cfg *config.Config) (driver.Driver, error) {
	if cfg.DisableDriver {
		log.WithComponent("main").Info().Msg("stack driver disabled, using no-op backend")
		return driver.NewNoopDriver(), nil
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes clientset: %w", err)
	}
	return driver.NewKubernetesDriver(clientset), nil
}
