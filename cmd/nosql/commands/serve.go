package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/moolen/nosql/internal/apiserver"
	"github.com/moolen/nosql/internal/config"
	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/lifecycle"
	"github.com/moolen/nosql/internal/logging"
	"github.com/moolen/nosql/internal/metrics"
	"github.com/moolen/nosql/internal/subsystem"
	"github.com/moolen/nosql/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	// Register every backend driver
	_ "github.com/moolen/nosql/internal/driver/all"
)

var serveCfg = config.Default()

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start all connection profiles and the introspection server",
	Long: `Start every enabled profile of the profiles file, publish their lookup
names, and serve /metrics, /healthz, /profiles and /bindings until interrupted.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveCfg.ProfilesPath, "config", "profiles.yaml", "Path to the profiles YAML file")
	f.BoolVar(&serveCfg.WatchProfiles, "watch", true, "Restart all profiles when the profiles file changes")
	f.StringVar(&serveCfg.MetricsAddr, "metrics-addr", serveCfg.MetricsAddr, "Listen address of the introspection server")
	f.DurationVar(&serveCfg.HealthInterval, "health-interval", serveCfg.HealthInterval, "Interval between profile health checks (0 disables)")
	f.DurationVar(&serveCfg.ShutdownTimeout, "shutdown-timeout", serveCfg.ShutdownTimeout, "Grace period per component on shutdown")
	f.StringVar(&serveCfg.LogFile, "log-file", "", "Write logs to this rotating file instead of stdout/stderr")
	f.BoolVar(&serveCfg.TracingEnabled, "tracing-enabled", false, "Enable OpenTelemetry tracing")
	f.StringVar(&serveCfg.TracingEndpoint, "tracing-endpoint", "", "OTLP gRPC endpoint for traces (e.g., otel-collector:4317)")
	f.StringVar(&serveCfg.TracingTLSCAPath, "tracing-tls-ca", "", "Path to CA certificate for TLS verification (optional)")
	f.BoolVar(&serveCfg.TracingTLSInsecure, "tracing-tls-insecure", false, "Skip TLS certificate verification (insecure, use only for testing)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := serveCfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := setupLog(logLevelFlags); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if serveCfg.LogFile != "" {
		if err := logging.SetOutputFile(logging.FileOptions{Path: serveCfg.LogFile, MaxBackups: 5, Compress: true}); err != nil {
			return err
		}
		defer logging.Close()
	}
	logger := logging.GetLogger("server")
	logger.Info("Starting nosql v%s", Version)

	tracingProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:        serveCfg.TracingEnabled,
		Endpoint:       serveCfg.TracingEndpoint,
		TLSCAPath:      serveCfg.TracingTLSCAPath,
		TLSInsecure:    serveCfg.TracingTLSInsecure,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	profiles := subsystem.NewManager(subsystem.ManagerConfig{
		ProfilesPath:        serveCfg.ProfilesPath,
		Watch:               serveCfg.WatchProfiles,
		HealthCheckInterval: serveCfg.HealthInterval,
		ShutdownTimeout:     serveCfg.ShutdownTimeout,
		Drivers:             connection.DefaultDrivers(),
		Metrics:             metrics.NewMetrics(registry),
		Tracer:              tracingProvider.Tracer("github.com/moolen/nosql/internal/connection"),
	})
	api := apiserver.New(serveCfg.MetricsAddr, profiles, profiles.Store(), registry)

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(serveCfg.ShutdownTimeout)
	if err := manager.Register(tracingProvider); err != nil {
		return err
	}
	if err := manager.Register(profiles, tracingProvider); err != nil {
		return err
	}
	if err := manager.Register(api, profiles); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	logger.Info("nosql is running (introspection on %s)", api.Addr())

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*serveCfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	return manager.Stop(shutdownCtx)
}
