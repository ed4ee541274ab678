package commands

import (
	"context"
	"fmt"
	"net/http"

	//nolint:gosec // pprof is optional and off by default
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/portofcontext/vestige/internal/api/handlers"
	"github.com/portofcontext/vestige/internal/apiserver"
	"github.com/portofcontext/vestige/internal/auth"
	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/environment"
	"github.com/portofcontext/vestige/internal/lifecycle"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/pool"
	"github.com/portofcontext/vestige/internal/postgres"
	"github.com/portofcontext/vestige/internal/replication"
	"github.com/portofcontext/vestige/internal/run"
	"github.com/portofcontext/vestige/internal/snapshot"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
	"github.com/portofcontext/vestige/internal/tracing"
)

var (
	pprofEnabled       bool
	pprofPort          int
	tracingEnabled     bool
	tracingEndpoint    string
	tracingTLSCAPath   string
	tracingTLSInsecure bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the harness server",
	Long: `Start the harness server: the HTTP API, the warm-pool refiller, the
environment maintenance loop, and (in journal capture mode) the logical
replication worker. Configuration comes from environment variables; pool
targets come from the file named by POOL_CONFIG_PATH and are hot-reloaded.`,
	Run: runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&pprofEnabled, "pprof-enabled", false, "Enable pprof profiling server (default: false)")
	serverCmd.Flags().IntVar(&pprofPort, "pprof-port", 9999, "Port the pprof server listens on (default: 9999)")
	serverCmd.Flags().BoolVar(&tracingEnabled, "tracing-enabled", false, "Enable OpenTelemetry tracing (default: false)")
	serverCmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "", "OTLP gRPC endpoint for traces (e.g., otel-collector:4317)")
	serverCmd.Flags().StringVar(&tracingTLSCAPath, "tracing-tls-ca", "", "Path to CA certificate for TLS verification (optional)")
	serverCmd.Flags().BoolVar(&tracingTLSInsecure, "tracing-tls-insecure", false, "Skip TLS certificate verification (insecure, use only for testing)")
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	HandleError(err, "Configuration error")
	HandleError(cfg.Validate(), "Configuration error")

	HandleError(setupLog(logLevelFlags), "Failed to setup logging")
	logger := logging.GetLogger("server")

	logger.Info("Starting vestige v%s", Version)
	logger.Debug("Configuration loaded: APIPort=%d CaptureMode=%s", cfg.APIPort, cfg.CaptureMode)

	manager := lifecycle.NewManager()

	// Tracing is optional; a broken collector never blocks startup.
	tracingProvider, err := tracing.NewTracingProvider(tracing.Config{
		Enabled:     tracingEnabled,
		Endpoint:    tracingEndpoint,
		TLSCAPath:   tracingTLSCAPath,
		TLSInsecure: tracingTLSInsecure,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
		tracingProvider = nil
	}
	var tracer trace.Tracer
	if tracingProvider != nil {
		HandleError(manager.Register(tracingProvider), "Tracing registration error")
		if tracingProvider.IsEnabled() {
			tracer = tracingProvider.GetTracer("vestige")
		}
	}

	if pprofEnabled {
		go func() {
			pprofAddr := fmt.Sprintf(":%d", pprofPort)
			logger.Info("Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil { //nolint:gosec // debugging aid
				logger.Error("pprof server failed: %v", err)
			}
		}()
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer startupCancel()

	logger.Info("Applying metadata migrations")
	HandleError(store.Migrate(startupCtx, cfg.DatabaseURL), "Migration error")

	pgConfig := postgres.DefaultClientConfig()
	pgConfig.DSN = cfg.DatabaseURL
	pgClient := postgres.NewClient(pgConfig)

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "vestige"
	}
	registry := prometheus.NewRegistry()
	harnessMetrics := metrics.New(registry, instance)

	st := store.New(pgClient)
	namespaces := namespace.NewHandler(pgClient)
	snapshotter := snapshot.NewSnapshotter(pgClient, st, harnessMetrics, tracer)
	differ := snapshot.NewDiffer(pgClient, st, harnessMetrics, tracer)

	compiler, err := dsl.NewCompiler()
	HandleError(err, "Assertion schema error")

	templates := template.NewManager(st, namespaces)
	poolManager := pool.NewManager(st, namespaces, harnessMetrics)

	// In journal mode a single worker owns the replication slot; it is the
	// capture backend for runs, the per-environment registry cleanup, and
	// the slot readiness probe.
	var worker *replication.Worker
	var journalCapture run.JournalCapture
	var journalCleanup environment.JournalCleanup
	var slotChecker apiserver.SlotChecker
	if cfg.CaptureMode == config.CaptureModeJournal {
		worker = replication.NewWorker(cfg.Replication, st, replication.NewRegistry(), harnessMetrics)
		journalCapture = worker
		journalCleanup = worker
		slotChecker = worker
	}

	runs := run.New(run.Options{
		Store:       st,
		Snapshots:   snapshotter,
		Differ:      differ,
		Journal:     journalCapture,
		Compiler:    compiler,
		Metrics:     harnessMetrics,
		Tracer:      tracer,
		CaptureMode: cfg.CaptureMode,
		SlotName:    cfg.Replication.SlotName,
		Plugin:      cfg.Replication.Plugin,
	})

	environments := environment.NewManager(environment.Options{
		Store:                 st,
		Templates:             templates,
		Pool:                  poolManager,
		Namespaces:            namespaces,
		Runs:                  runs,
		Journal:               journalCleanup,
		Metrics:               harnessMetrics,
		Tracer:                tracer,
		DefaultTTLSeconds:     cfg.EnvironmentTTLSeconds,
		DefaultMaxIdleSeconds: cfg.EnvironmentMaxIdleSeconds,
	})

	maintenance := environment.NewMaintenance(environments, cfg.MaintenanceInterval)
	refiller := pool.NewRefiller(poolManager, pool.DefaultInterval)

	// Pool targets come from a YAML file that is hot-reloaded on change.
	var poolWatcher *config.PoolWatcher
	if cfg.PoolConfigPath != "" {
		poolFile, err := config.LoadPoolFile(cfg.PoolConfigPath)
		HandleError(err, "Pool config error")
		poolManager.SetTargets(poolFile.Targets)

		poolWatcher, err = config.NewPoolWatcher(config.PoolWatcherConfig{FilePath: cfg.PoolConfigPath},
			func(reloaded *config.PoolFile) error {
				poolManager.SetTargets(reloaded.Targets)
				return nil
			})
		HandleError(err, "Pool watcher error")
	} else {
		logger.Info("POOL_CONFIG_PATH not set; environments are cloned on demand")
	}

	var validator auth.Validator
	if cfg.DevMode() {
		logger.Warn("Development mode: API keys are not validated, all requests run as %q", auth.DevPrincipalID)
		validator = auth.DevValidator{}
	} else {
		validator = auth.NewControlPlaneClient(cfg.ControlPlaneURL, cfg.ControlPlaneTimeout)
	}

	apiComponent := apiserver.New(apiserver.Options{
		Port:      cfg.APIPort,
		Platform:  handlers.NewPlatform(environments, runs, cfg.BaseURL),
		Catalog:   handlers.NewCatalog(templates, st, compiler),
		Facade:    handlers.NewFacade(st, namespaces),
		Validator: validator,
		Readiness: apiserver.NewReadiness(st, slotChecker),
		Gatherer:  registry,
	})

	// The store connects first and disconnects last; the API accepts runs
	// only once the worker is polling, so it starts last and stops first.
	HandleError(manager.Register(st), "Metadata store registration error")
	apiDeps := []lifecycle.Component{st}
	if worker != nil {
		HandleError(manager.Register(worker, st), "Replication worker registration error")
		apiDeps = append(apiDeps, worker)
	}
	HandleError(manager.Register(refiller, st), "Pool refiller registration error")
	HandleError(manager.Register(maintenance, st), "Maintenance registration error")
	HandleError(manager.Register(apiComponent, apiDeps...), "API server registration error")

	ctx, cancel := context.WithCancel(context.Background())
	if err := manager.Start(ctx); err != nil {
		cancel()
		HandleError(err, "Startup error")
	}

	if poolWatcher != nil {
		if err := poolWatcher.Start(ctx); err != nil {
			cancel()
			HandleError(err, "Pool watcher error")
		}
	}

	logger.Info("Vestige started: api=:%d capture=%s", cfg.APIPort, cfg.CaptureMode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if poolWatcher != nil {
		poolWatcher.Stop()
	}
	// The manager closes the store's pool last; nothing left uses pgClient.
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}

	logger.Info("Shutdown complete")
}
