// Package main provides the triage binary entry point.
// Triage is a file-analysis pipeline orchestrator: it schedules analysis
// services over submitted files, dispatches tasks through NATS, caches
// results, and sweeps expired records.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	semconfig "github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/triage/config"
	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/processor/archiver"
	"github.com/c360studio/triage/processor/dispatcher"
	"github.com/c360studio/triage/processor/expiry"
	"github.com/c360studio/triage/queue"
	"github.com/c360studio/triage/registry/manifest"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "triage"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "triage",
		Short: "File-analysis pipeline orchestrator",
		Long: `Triage orchestrates file-analysis submissions through a staged
service pipeline.

It provides:
- Submission dispatch with per-file stage schedules
- Content+config addressed result caching
- Expiry sweeps over records and stored file content
- Archiving of completed submissions to long-term storage

All components communicate via NATS using the semstreams framework.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(submitCmd())
	cmd.AddCommand(cancelCmd())
	cmd.AddCommand(archiveCmd())

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load triage configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Build the semstreams platform config from triage settings
	semCfg := buildPlatformConfig(cfg)
	if err := semCfg.Validate(); err != nil {
		return fmt.Errorf("invalid platform configuration: %w", err)
	}

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, semCfg, natsClient, logger); err != nil {
		return err
	}

	// Seed the service catalog from manifests and keep it synced
	if err := startManifestSync(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	// Expose Prometheus metrics
	if cfg.Metrics.Addr != "" {
		startMetricsListener(cfg.Metrics.Addr, logger)
	}

	slog.Info("Triage ready", "version", Version, "stages", cfg.Pipeline.Stages)

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := extractPlatformMeta(semCfg)

	// Create and start config manager (required for component-manager to access component configs)
	configManager, err := semconfig.NewConfigManager(semCfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	// Register all semstreams components
	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	// Register triage components
	slog.Debug("Registering triage component factories")
	if err := dispatcher.Register(componentRegistry); err != nil {
		return fmt.Errorf("register dispatcher: %w", err)
	}
	if err := expiry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register expiry: %w", err)
	}
	if err := archiver.Register(componentRegistry); err != nil {
		return fmt.Errorf("register archiver: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager (semstreams pattern)
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(semCfg)

	// Create service dependencies
	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	// Configure and create services
	if err := configureAndCreateServices(semCfg, manager, svcDeps); err != nil {
		return err
	}

	slog.Info("All services configured")

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Start all services
	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	// Stop all services
	shutdownTimeout := 30 * time.Second
	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Triage shutdown complete")
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.NewLoader(slog.Default()).Load()
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	} else if envURL := os.Getenv("TRIAGE_NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *semconfig.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := semconfig.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

// startManifestSync seeds the service catalog from manifest files and keeps
// it reconciled as they change on disk.
func startManifestSync(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	if cfg.Registry.ManifestDir == "" {
		logger.Info("No manifest directory configured, skipping catalog sync")
		return nil
	}

	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}
	store, err := datastore.NewStore(ctx, js)
	if err != nil {
		return fmt.Errorf("open datastore for manifest sync: %w", err)
	}

	loader := manifest.NewLoader(cfg.Registry.ManifestDir, cfg.Registry.ManifestPattern, cfg.Pipeline.Stages, logger)
	if err := loader.Sync(ctx, store.Services); err != nil {
		return fmt.Errorf("seed service catalog: %w", err)
	}

	go func() {
		if err := loader.Watch(ctx, 2*time.Second, func(ctx context.Context) {
			if err := loader.Sync(ctx, store.Services); err != nil {
				logger.Error("manifest resync failed", "error", err)
			}
		}); err != nil {
			logger.Error("manifest watcher stopped", "error", err)
		}
	}()
	return nil
}

func startMetricsListener(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("Metrics listener started", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Metrics listener failed", "error", err)
		}
	}()
}

// buildPlatformConfig maps triage settings onto the semstreams platform
// config: stream layout plus one component config per triage processor.
func buildPlatformConfig(cfg *config.Config) *semconfig.Config {
	dispatcherConfig := map[string]any{
		"stages":           cfg.Pipeline.Stages,
		"system_category":  cfg.Pipeline.SystemCategory,
		"stream_name":      queue.StreamDispatch,
		"retry_base":       cfg.Dispatcher.RetryBase,
		"retry_max":        cfg.Dispatcher.RetryMax,
		"record_ttl":       cfg.Dispatcher.RecordTTL,
		"registry_refresh": cfg.Registry.RefreshInterval,
	}
	dispatcherJSON, _ := json.Marshal(dispatcherConfig)

	expiryConfig := map[string]any{
		"interval":       cfg.Expiry.Interval,
		"delay":          cfg.Expiry.Delay,
		"workers":        cfg.Expiry.Workers,
		"delete_storage": cfg.Expiry.DeleteStorage,
	}
	expiryJSON, _ := json.Marshal(expiryConfig)

	archiverConfig := map[string]any{
		"workers": cfg.Archive.Workers,
	}
	archiverJSON, _ := json.Marshal(archiverConfig)

	return &semconfig.Config{
		Version: "1.0.0",
		Platform: semconfig.PlatformConfig{
			Org:         "triage",
			ID:          "triage-local",
			Environment: "dev",
		},
		NATS: semconfig.NATSConfig{
			URLs:          []string{cfg.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: cfg.NATS.ReconnectWait,
			JetStream: semconfig.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{},
		Components: semconfig.ComponentConfigs{
			"dispatcher": types.ComponentConfig{
				Name:    "dispatcher",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  dispatcherJSON,
			},
			"expiry": types.ComponentConfig{
				Name:    "expiry",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  expiryJSON,
			},
			"archiver": types.ComponentConfig{
				Name:    "archiver",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  archiverJSON,
			},
		},
		Streams: semconfig.StreamConfigs{
			queue.StreamDispatch: semconfig.StreamConfig{
				Subjects: []string{
					"triage.submission.>",
					queue.SubjectFinished,
					queue.SubjectFailed,
				},
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
			queue.StreamTasks: semconfig.StreamConfig{
				Subjects: []string{
					queue.TaskSubjectPrefix + ".>",
				},
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
			queue.StreamArchive: semconfig.StreamConfig{
				Subjects: []string{
					queue.SubjectArchive,
				},
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}
}

func extractPlatformMeta(cfg *semconfig.Config) types.PlatformMeta {
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	return types.PlatformMeta{
		Org:      cfg.Platform.Org,
		Platform: platformID,
	}
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *semconfig.Config) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  8080,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Triage API",
				"description": "file-analysis pipeline orchestrator",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *semconfig.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			continue
		}

		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}

	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}

	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
		return nil
	}

	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	return nil
}
