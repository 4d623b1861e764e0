package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/buildinfo"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/config"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/fleet"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/health"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/notify"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/otel"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/reconciler"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/registration"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/router"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/server"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ghrunners",
	Short: "Webhook-driven autoscaler for self-hosted GitHub Actions runners",
	Long: `ghrunners receives workflow_job webhooks and starts or removes
self-hosted runners on a pluggable compute engine (Docker or GCP).
It keeps the repository or organization webhook pointed at the
current public tunnel URL.

Configuration is read from a YAML file (--config), overlaid with
environment variables, and finally overridden by CLI flags.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "GitHub token used for the API and runner registration")
	f.StringVar(&flagOverrides.GitHub.APIURL, "api-url", "", "GitHub API URL (GitHub Enterprise)")
	f.StringSliceVar(&flagOverrides.GitHub.Repositories, "repo", nil, "Managed repository owner/repo (repeatable)")
	f.StringSliceVar(&flagOverrides.GitHub.Organizations, "org", nil, "Managed organization (repeatable)")

	// Runner overrides
	f.IntVar(&flagOverrides.Runners.Min, "min-runners", 0, "Minimum number of runners per scope")
	f.IntVar(&flagOverrides.Runners.Max, "max-runners", 0, "Maximum number of runners per scope")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (docker, gcp)")

	// Tunnel & server overrides
	f.StringVar(&flagOverrides.Tunnel.Provider, "tunnel", "", "Tunnel provider (ngrok, static, none)")
	f.StringVar(&flagOverrides.Tunnel.StaticURL, "public-url", "", "Fixed public URL for the static tunnel provider")
	f.IntVar(&flagOverrides.Server.Port, "port", 0, "HTTP listen port")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json, pretty)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.APIURL != "" {
		cfg.GitHub.APIURL = flagOverrides.GitHub.APIURL
	}
	if len(flagOverrides.GitHub.Repositories) > 0 {
		cfg.GitHub.Repositories = flagOverrides.GitHub.Repositories
	}
	if len(flagOverrides.GitHub.Organizations) > 0 {
		cfg.GitHub.Organizations = flagOverrides.GitHub.Organizations
	}
	if flagOverrides.Runners.Min != 0 {
		cfg.Runners.Min = flagOverrides.Runners.Min
	}
	if flagOverrides.Runners.Max != 0 {
		cfg.Runners.Max = flagOverrides.Runners.Max
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Tunnel.Provider != "" {
		cfg.Tunnel.Provider = flagOverrides.Tunnel.Provider
	}
	if flagOverrides.Tunnel.StaticURL != "" {
		cfg.Tunnel.StaticURL = flagOverrides.Tunnel.StaticURL
	}
	if flagOverrides.Server.Port != 0 {
		cfg.Server.Port = flagOverrides.Server.Port
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	scopes, err := cfg.Scopes()
	if err != nil {
		return err
	}
	limits, overrides, err := cfg.Limits()
	if err != nil {
		return err
	}
	defaultScope, err := cfg.DefaultScope()
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("scopes", len(scopes)),
		slog.Int("minRunners", limits.Min),
		slog.Int("maxRunners", limits.Max),
		slog.String("tunnel", cfg.Tunnel.Provider),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.Setup(ctx, cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up opentelemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("opentelemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Initialize compute engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("closing engine failed", slog.String("error", err.Error()))
		}
	}()

	if ok, err := eng.ImageAvailable(ctx); err != nil {
		logger.Warn("runner image check failed", slog.String("error", err.Error()))
	} else if !ok {
		logger.Warn("runner image not found; runner creation will fail until it exists")
	}

	// ---------------------------------------------------------------
	// 5. GitHub client, runner credentials and alerts
	// ---------------------------------------------------------------
	gh, err := cfg.NewGitHubClient()
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	notifier, err := cfg.NewNotifier(logger.WithGroup("notify"))
	if err != nil {
		return err
	}
	if a, ok := notifier.(*notify.Async); ok {
		defer a.Wait()
	}

	// ---------------------------------------------------------------
	// 6. Fleet registry + warm pool
	// ---------------------------------------------------------------
	registry := fleet.New(fleet.Config{
		Engine:      eng,
		Credentials: cfg.NewCredentials(gh),
		Scopes:      scopes,
		Limits:      limits,
		Overrides:   overrides,
		CallTimeout: cfg.Runners.CallTimeout,
		Logger:      logger.WithGroup("fleet"),
	})

	for _, s := range scopes {
		if _, err := registry.EnsureMinimum(ctx, s); err != nil {
			logger.Error("failed to fill warm pool",
				slog.String("scope", s.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	// ---------------------------------------------------------------
	// 7. Webhook registration loop
	// ---------------------------------------------------------------
	var endpoints health.Endpoints
	if discoverer := cfg.NewDiscoverer(); discoverer != nil {
		rec := reconciler.New(reconciler.Config{
			Discoverer: discoverer,
			Registration: registration.New(registration.Config{
				Client:          gh,
				Fragment:        cfg.Fragment(),
				Events:          cfg.Webhook.Events,
				Secret:          cfg.Webhook.Secret,
				CreateIfMissing: cfg.Webhook.CreateIfMissing,
				Timeout:         cfg.GitHub.Timeout,
				Logger:          logger.WithGroup("registration"),
			}),
			Scopes:       scopes,
			Notifier:     notifier,
			StartupDelay: cfg.Tunnel.StartupDelay,
			Interval:     cfg.Tunnel.Interval,
			Logger:       logger.WithGroup("reconciler"),
		})
		endpoints = rec

		recCtx, stopRec := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			rec.Run(recCtx)
		}()
		defer func() {
			stopRec()
			<-done
		}()
	} else {
		logger.Info("tunnel disabled; webhook registration is not managed")
	}

	// ---------------------------------------------------------------
	// 8. Router, health and HTTP server
	// ---------------------------------------------------------------
	rt := router.New(router.Config{
		Fleet:        registry,
		Notifier:     notifier,
		DefaultScope: defaultScope,
		Logger:       logger.WithGroup("router"),
	})

	reporter := health.NewReporter(registry, eng, endpoints, cfg.Runners.CallTimeout, logger.WithGroup("health"))

	srv := server.New(server.Config{
		Port:          cfg.Server.Port,
		Handler:       rt,
		Secret:        cfg.Webhook.Secret,
		HandleTimeout: cfg.Server.HandleTimeout,
		Healthz:       health.Handler(cfg.Engine.Type),
		Healthcheck:   reporter.SnapshotHandler(),
		Metrics:       cfg.OTel.Prometheus,
		Logger:        logger.WithGroup("server"),
	})

	// ---------------------------------------------------------------
	// 9. Run
	// ---------------------------------------------------------------
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}
