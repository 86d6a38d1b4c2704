// Command sagad runs the sagaflow runtime: the saga store, the recovery
// supervisor, lifecycle events and the read-only audit API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/telemetry/tracing"
	"github.com/goclaw/sagaflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger, postgres)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	// Print help
	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	// Print version
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	logger.SetGlobal(log)

	build := version.Info()
	log.Info("Starting sagad",
		"version", build.Version,
		"build_time", build.BuildTime,
		"git_commit", build.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("sagad exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("sagad stopped gracefully")
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

// run blocks until ctx is cancelled or the HTTP server fails.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	traces, err := tracing.Init(ctx, cfg.Tracing,
		tracing.WithService(cfg.App.Name, version.Version),
		tracing.WithInstanceID(cfg.Events.NodeID),
		tracing.WithAttributes(attribute.String("sagaflow.storage", cfg.Storage.Type)),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		return err
	}

	if *configPath != "" {
		watcher, err := newConfigWatcher(*configPath, cfg, eng, log)
		if err != nil {
			log.Warn("Config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Warn("Config watcher stopped", "error", err)
				}
			}()
		}
	}

	manager := eng.Metrics()
	if manager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := manager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	health := handlers.NewHealthHandler()
	for name, check := range eng.Checks() {
		health.AddCheck(name, handlers.Check(check))
	}
	apiHandlers := &api.Handlers{
		Saga:   handlers.NewSagaHandler(eng.Store(), log),
		Health: health,
	}
	if manager.Enabled() {
		apiHandlers.Metrics = manager
		apiHandlers.MetricsHandler = manager.Handler()
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("sagad is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case runErr = <-serverErrChan:
	}

	shutdownTimeout := cfg.Server.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// HTTP first so no audit request races the store close.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping engine", "error", err)
	}
	if err := traces.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}
	return runErr
}

// newConfigWatcher applies log level and resume rate changes without a restart.
// Everything else in the file needs a restart to take effect.
func newConfigWatcher(path string, cfg *config.Config, eng *engine.Engine, log logger.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(path, config.NewLoader(),
		config.WithWatcherLogger(log),
		config.WithReloadOverrides(buildOverrides()),
		config.WithInitialConfig(cfg),
	)
	if err != nil {
		return nil, err
	}
	watcher.OnChange(func(prev, next *config.Config) {
		before, hot := config.ExtractHotReloadable(prev), config.ExtractHotReloadable(next)
		if !before.Changed(hot) {
			return
		}
		if hot.LogLevel != before.LogLevel && !next.App.Debug {
			log.SetLevel(logger.ParseLevel(hot.LogLevel))
		}
		if sup := eng.Supervisor(); sup != nil {
			sup.SetResumeRate(hot.ResumeRate, hot.ResumeBurst)
		}
		log.Info("Applied config changes", "log_level", hot.LogLevel,
			"resume_rate", hot.ResumeRate, "resume_burst", hot.ResumeBurst)
	})
	return watcher, nil
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	build := version.Info()
	fmt.Printf("sagad - saga orchestration runtime\n")
	fmt.Printf("Version:    %s\n", build.Version)
	fmt.Printf("Build Time: %s\n", build.BuildTime)
	fmt.Printf("Git Commit: %s\n", build.GitCommit)
	fmt.Printf("Go Version: %s\n", build.GoVersion)
	if build.Modified {
		fmt.Printf("Modified:   true\n")
	}
}

func printHelp() {
	fmt.Printf("sagad - saga orchestration runtime with recovery and audit API\n\n")
	fmt.Printf("Usage: sagad [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagad                                     # Run with default config\n")
	fmt.Printf("  sagad -config config.yaml                 # Use specific config file\n")
	fmt.Printf("  sagad -storage badger -log-level debug    # Override specific options\n")
	fmt.Printf("  sagad -version                            # Print version info\n")
}
