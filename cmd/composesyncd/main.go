package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/composesyncd/internal/activation"
	"github.com/schaermu/composesyncd/internal/api"
	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/engine"
	"github.com/schaermu/composesyncd/internal/envstate"
	"github.com/schaermu/composesyncd/internal/git"
	"github.com/schaermu/composesyncd/internal/gitserver"
	"github.com/schaermu/composesyncd/internal/httpserver"
	"github.com/schaermu/composesyncd/internal/notify"
	composesyncd "github.com/schaermu/composesyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Serve flags
	initialSync bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "composesyncd",
	Short: "GitOps for Docker Compose stacks",
	Long: `composesyncd hosts a git repository of Docker Compose stacks and deploys
every pushed change to the local Docker engine.

Stacks live at <stacks>/<name>/docker-compose.yaml and may import shared
fragments with "#!<path>" lines. A push that breaks a stack is rejected after
the fact by moving the branch back to where it was.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the stack repository and deploy pushed changes",
	Long: `Serve starts the smart HTTP git server for the stack repository, the
query/trigger API with Prometheus metrics and, when enabled, the environment
drift detector.

Listeners named "git" and "api" passed by systemd socket activation are used
instead of the configured addresses.`,
	RunE: runServe,
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Apply every stack at the branch tip once",
	Long: `Synthesize hydrates and applies every stack found at the tip of the tracked
branch, then exits. History is never reverted by this command.`,
	RunE: runSynthesize,
}

var hydrateCmd = &cobra.Command{
	Use:   "hydrate <stack>",
	Short: "Print the hydrated descriptor of a stack",
	Args:  cobra.ExactArgs(1),
	RunE:  runHydrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("composesyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/composesyncd/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	serveCmd.Flags().BoolVar(&initialSync, "initial-sync", false, "apply every stack once before accepting pushes")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(synthesizeCmd)
	rootCmd.AddCommand(hydrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo := git.NewRepository(cfg.RepoDir(), cfg.Repo.Branch, logger)
	if err := repo.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := newController(cfg, repo, composesyncd.NewMetrics(reg), logger)
	if err != nil {
		return err
	}
	defer ctrl.Wait()

	apiOpts := api.Options{Gatherer: reg}
	if apiOpts.Secret, err = api.LoadSecret(cfg.API.SecretFile); err != nil {
		return err
	}

	docker, err := engine.NewDockerAPI(cfg.Engine.DockerHost)
	if err != nil {
		logger.Warn("docker API client unavailable, stack status disabled", "error", err)
	} else {
		defer func() {
			_ = docker.Close()
		}()
		if err := docker.Ping(ctx); err != nil {
			logger.Warn("docker engine not reachable", "error", err)
		}
		apiOpts.Status = docker
	}

	gitSrv, err := gitserver.New(cfg.Paths.GitRoot, cfg.Repo.Name, ctrl, logger)
	if err != nil {
		return err
	}
	apiSrv := api.NewServer(ctrl, apiOpts, logger)

	listeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}

	if initialSync {
		logger.Info("performing initial synthesis before accepting pushes")
		if _, err := ctrl.SynthesizeAll(ctx); err != nil {
			return fmt.Errorf("initial synthesis: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpserver.Config{
			Name:     "git",
			Addr:     cfg.Git.ListenAddr,
			Listener: listeners["git"],
		}, httpserver.Wrap(logger, "git", gitSrv))
	})
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpserver.Config{
			Name:     "api",
			Addr:     cfg.API.ListenAddr,
			Listener: listeners["api"],
		}, httpserver.Wrap(logger, "api", apiSrv))
	})
	if cfg.Drift.Enabled {
		detector := composesyncd.NewDriftDetector(ctrl, cfg.Drift, logger)
		g.Go(func() error {
			return detector.Run(gctx)
		})
	}

	logger.Info("composesyncd started",
		"repo", cfg.Repo.Name,
		"branch", cfg.Repo.Branch,
		"drift", cfg.Drift.Enabled)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server failed", "error", err)
		return err
	}
	logger.Info("waiting for running synthesis to finish")
	return nil
}

func runSynthesize(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo := git.NewRepository(cfg.RepoDir(), cfg.Repo.Branch, logger)
	ctrl, err := newController(cfg, repo, nil, logger)
	if err != nil {
		return err
	}

	logger.Info("starting synthesis of all stacks")
	run, err := ctrl.SynthesizeAll(ctx)
	if err != nil {
		return err
	}
	ctrl.Wait()

	if run.Err != nil {
		return run.Err
	}
	return nil
}

func runHydrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo := git.NewRepository(cfg.RepoDir(), cfg.Repo.Branch, logger)
	ctrl, err := newController(cfg, repo, nil, logger)
	if err != nil {
		return err
	}

	d, err := ctrl.Descriptor(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), d.Hydrated)
	return err
}

// newController wires the controller collaborators described by cfg.
func newController(cfg *config.Config, repo *git.Repository, metrics *composesyncd.Metrics, logger *slog.Logger) (*composesyncd.Controller, error) {
	compose, err := engine.NewComposeClient(cfg.ComposeCommand(), cfg.Engine.TempDir, cfg.Engine.DockerHost, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create compose client: %w", err)
	}

	deps := composesyncd.Deps{
		Store:   repo,
		Engine:  compose,
		Metrics: metrics,
		Logger:  logger,
	}
	if cfg.Drift.Enabled {
		deps.Env = envstate.ProcessProvider{EnvFile: cfg.Drift.EnvFile}
	}
	if cfg.Notify.URL != "" {
		deps.Notifier = notify.NewWebhook(cfg.Notify.URL)
	}

	return composesyncd.NewController(cfg, deps), nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig loads the --config file, the default file when it exists, or
// the environment alone.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".config", "composesyncd", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
			}
		}
	}

	if configPath != "" {
		logger.Info("loading configuration", "path", configPath)
	} else {
		logger.Info("loading configuration from environment")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.Name,
		"branch", cfg.Repo.Branch,
		"git_root", cfg.Paths.GitRoot,
		"data_dir", cfg.Paths.DataDir,
		"stacks", cfg.Paths.Stacks)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
