// Reflexd is an adaptive routing daemon for an always-on assistant.
//
// It scores incoming events for salience, matches them against learned
// heuristics for reflex responses, and escalates the genuinely novel ones to
// deliberate reasoning within an attention budget.
//
// Usage:
//
//	# Start the daemon with defaults
//	reflexd serve
//
//	# Start with an explicit config file
//	reflexd serve --config /etc/reflexd/config.yaml
//
// Configuration is layered: built-in defaults, then the YAML file, then
// REFLEXD_* environment variables. See internal/config for details.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/bus"
	"github.com/fyrsmithlabs/reflexd/internal/cache"
	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/confidence"
	"github.com/fyrsmithlabs/reflexd/internal/embeddings"
	"github.com/fyrsmithlabs/reflexd/internal/formation"
	"github.com/fyrsmithlabs/reflexd/internal/learning"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/match"
	"github.com/fyrsmithlabs/reflexd/internal/router"
	"github.com/fyrsmithlabs/reflexd/internal/salience"
	"github.com/fyrsmithlabs/reflexd/internal/server"
	"github.com/fyrsmithlabs/reflexd/internal/store"
	"github.com/fyrsmithlabs/reflexd/internal/telemetry"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "reflexd",
	Short: "Adaptive event routing daemon",
	Long: `reflexd routes assistant events through a salience-scored decision tree:
emergency interrupts, habituation suppression, heuristic fast paths, and
budgeted escalation to deliberate reasoning.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the routing daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		err := run(ctx, configPath)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reflexd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "",
		"config file path (default ~/.config/reflexd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reflexd: %v\n", err)
		os.Exit(1)
	}
}

// run wires the full dependency graph and blocks until ctx is cancelled or
// the HTTP server fails.
//
// Startup order matters: the store replays its journal before the cache
// loads, built-ins are seeded before the cache loads, and the embedding
// dimension is verified before anything writes a vector.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewSampled(cfg.Logging.Level, cfg.Logging.Format, logging.SamplingConfig{
		Enabled:    cfg.Logging.Sampling.Enabled,
		Tick:       cfg.Logging.Sampling.Tick.Duration(),
		Initial:    cfg.Logging.Sampling.Initial,
		Thereafter: cfg.Logging.Sampling.Thereafter,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics := telemetry.NewMetrics()

	provider, err := embeddings.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer func() { _ = provider.Close() }()
	if err := embeddings.VerifyDimension(provider, cfg.Embedding.Dimension); err != nil {
		return err
	}

	st, err := store.New(ctx, cfg.Store, cfg.Embedding.Dimension, logger)
	if err != nil {
		return fmt.Errorf("opening heuristic store: %w", err)
	}
	defer func() { _ = st.Close() }()

	b, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connecting message bus: %w", err)
	}
	defer b.Close()

	if err := seedBuiltins(ctx, st, provider, logger); err != nil {
		return fmt.Errorf("seeding built-in heuristics: %w", err)
	}

	c := cache.New(st, b, cfg.Cache, logger)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting heuristic cache: %w", err)
	}
	defer c.Stop()

	weights, err := salience.NewWeights(cfg.Salience.WeightOverrides)
	if err != nil {
		return fmt.Errorf("building salience weights: %w", err)
	}
	evaluator := salience.NewEvaluator(weights, salience.NewTracker(cfg.Salience.Habituation), logger)

	extractor, err := newExtractor(cfg.Formation)
	if err != nil {
		return fmt.Errorf("creating formation extractor: %w", err)
	}
	former := formation.NewFormer(extractor, provider, st, b, metrics, logger)
	traces := formation.NewWindow(cfg.Correlation.Window.Duration())

	updater := confidence.NewUpdater(st, b, cfg.Confidence, logger)
	learner := learning.New(st, updater, former, traces, cfg.Learning, cfg.Correlation, logger)
	sweeper := learning.NewSweeper(learner, cfg.Correlation, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting quiet-timeout sweeper: %w", err)
	}
	defer sweeper.Stop()

	// The deliberative layer is external; it plugs in behind router.Reasoner.
	// Without one, slow-path events surface as decisions for the caller to
	// act on and no traces reach formation.
	rt := router.New(router.Deps{
		Evaluator: evaluator,
		Embedder:  provider,
		Cache:     c,
		Matcher:   match.NewCosineMatcher(logger),
		Store:     st,
		Learner:   learner,
		Traces:    traces,
		Metrics:   metrics,
		Logger:    logger,
	}, cfg.Router, cfg.Embedding.Timeout.Duration())

	srv, err := server.New(server.Deps{
		Router:  rt,
		Learner: learner,
		Updater: updater,
		Store:   st,
		Metrics: metrics,
		Logger:  logger,
	}, cfg.Server)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger.Underlying())
		if err != nil {
			return fmt.Errorf("watching config file: %w", err)
		}
		go watcher.Run(ctx)
		go applyReloads(ctx, watcher, weights, rt, logger)
	}

	logger.Info(ctx, "reflexd started",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("heuristics", c.Len()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newExtractor(cfg config.FormationConfig) (formation.Extractor, error) {
	switch cfg.Extractor {
	case "llm":
		return formation.NewLLMExtractor(cfg, cfg.LLMBaseURL, cfg.LLMAPIKey)
	default:
		return formation.NewRuleExtractor(), nil
	}
}

// applyReloads picks up the runtime-safe subset of a reloaded config:
// salience weight overrides and routing thresholds. Everything else needs a
// restart.
func applyReloads(ctx context.Context, w *config.Watcher, weights *salience.Weights, rt *router.Router, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-w.Updates():
			if !ok {
				return
			}
			if err := weights.SetOverrides(cfg.Salience.WeightOverrides); err != nil {
				logger.Warn(ctx, "reloaded weight overrides rejected", zap.Error(err))
			}
			rt.SetConfig(cfg.Router)
			logger.Info(ctx, "runtime configuration applied",
				zap.Float64("threat_threshold", cfg.Router.ThreatThreshold),
				zap.Float64("fire_threshold", cfg.Router.FireThreshold),
				zap.Float64("salience_threshold", cfg.Router.SalienceThreshold))
		}
	}
}
