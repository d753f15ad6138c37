// Secondbraind is the agent coordination daemon.
//
// This binary starts the coordination substrate: the message bus, the
// review gate, the tiered context store, and the access guard, plus an
// HTTP surface for health checks and metrics.
//
// Configuration is loaded from a YAML file and SECONDBRAIN_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	secondbraind
//
//	# Start with an explicit config file
//	secondbraind --config /etc/secondbrain/config.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
	"github.com/tmnsystems/secondbrain-sub001/internal/config"
	"github.com/tmnsystems/secondbrain-sub001/internal/contextstore"
	"github.com/tmnsystems/secondbrain-sub001/internal/embeddings"
	"github.com/tmnsystems/secondbrain-sub001/internal/guard"
	"github.com/tmnsystems/secondbrain-sub001/internal/logging"
	"github.com/tmnsystems/secondbrain-sub001/internal/review"
	"github.com/tmnsystems/secondbrain-sub001/internal/services"
	"github.com/tmnsystems/secondbrain-sub001/internal/telemetry"
	"github.com/tmnsystems/secondbrain-sub001/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "secondbraind",
	Short:   "Agent coordination daemon",
	Long:    "secondbraind runs the agent coordination substrate: message bus, review gate, context store, and access guard.",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if err := run(ctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires and starts the daemon, blocking until ctx is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Logger and telemetry
//  3. Context store tiers (+ embedder for the semantic tier)
//  4. Message bus (+ optional NATS mirror)
//  5. Review gate and access guard
//  6. HTTP server
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			zl.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting secondbraind",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Telemetry.ServiceName),
	)

	registry, store, err := initServices(cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			zl.Warn("context store close", zap.Error(err))
		}
		if err := registry.Bus().Close(); err != nil {
			zl.Warn("bus close", zap.Error(err))
		}
		if registry.Embedder() != nil {
			if p, ok := registry.Embedder().(embeddings.Provider); ok {
				_ = p.Close()
			}
		}
	}()

	logger.Info(ctx, "services initialized",
		zap.Bool("guard_enabled", registry.Guard() != nil),
		zap.Bool("semantic_tier", registry.Embedder() != nil),
	)

	srv := server.NewServer(cfg, store)

	logger.Info(ctx, "server configured",
		zap.String("healthz", fmt.Sprintf("http://localhost:%d/healthz", cfg.Server.Port)),
		zap.String("readyz", "/readyz"),
		zap.String("metrics", "/metrics"),
	)

	return srv.Start(ctx)
}

// initLogger builds the structured logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Stdout: true,
		OTEL:   cfg.Logging.OTEL,
	}, nil)
}

// initServices constructs the store, bus, gate, and guard per config.
func initServices(cfg *config.Config, zl *zap.Logger) (services.Registry, contextstore.Service, error) {
	var embedder embeddings.Provider
	if cfg.Store.Semantic.Provider != "" && cfg.Store.Semantic.Provider != "none" {
		var err error
		embedder, err = embeddings.NewProvider(embeddings.ProviderConfig{
			Provider: cfg.Embeddings.Provider,
			Model:    cfg.Embeddings.Model,
			BaseURL:  cfg.Embeddings.BaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		zl.Info("embedding provider initialized",
			zap.String("provider", cfg.Embeddings.Provider),
			zap.String("model", cfg.Embeddings.Model),
			zap.Int("dimension", embedder.Dimension()),
		)
	}

	store, err := contextstore.NewServiceFromConfig(&cfg.Store, embedder, zl.Named("contextstore"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating context store: %w", err)
	}

	busCfg := &bus.Config{
		DefaultTimeout: cfg.Bus.DefaultTimeout.Duration(),
		HistoryLimit:   cfg.Bus.HistoryLimit,
		Logger:         zl.Named("bus"),
	}
	if cfg.Bus.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(bus.NATSMirrorConfig{
			URL:           cfg.Bus.NATS.URL,
			SubjectPrefix: cfg.Bus.NATS.SubjectPrefix,
		}, zl.Named("nats"))
		if err != nil {
			// The mirror is an observer, not a dependency.
			zl.Warn("NATS mirror unavailable", zap.Error(err))
		} else {
			busCfg.Mirror = mirror
			zl.Info("NATS mirror connected", zap.String("url", cfg.Bus.NATS.URL))
		}
	}
	b, err := bus.NewService(busCfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("creating message bus: %w", err)
	}

	reviewCfg := &review.Config{Logger: zl.Named("review")}
	if cfg.Review.PersistOutcomes {
		reviewCfg.Store = store
	}
	gate, err := review.NewService(reviewCfg)
	if err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, nil, fmt.Errorf("creating review gate: %w", err)
	}
	if err := review.RegisterBusAgent(b, gate); err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, nil, fmt.Errorf("registering review gate on bus: %w", err)
	}

	var g guard.Service
	if cfg.Guard.Enabled {
		guardCfg := &guard.Config{
			FreshnessWindow: cfg.Guard.FreshnessWindow.Duration(),
			Logger:          zl.Named("guard"),
		}
		if cfg.Guard.RateLimit.Enabled {
			guardCfg.RateLimit = rate.Limit(cfg.Guard.RateLimit.RequestsPerSecond)
			guardCfg.RateBurst = cfg.Guard.RateLimit.Burst
		}
		g, err = guard.NewService(b, guardCfg)
		if err != nil {
			_ = store.Close()
			_ = b.Close()
			return nil, nil, fmt.Errorf("creating access guard: %w", err)
		}
	}

	registry := services.NewRegistry(services.Options{
		Bus:          b,
		Review:       gate,
		ContextStore: store,
		Guard:        g,
		Embedder:     embedder,
	})
	return registry, store, nil
}
