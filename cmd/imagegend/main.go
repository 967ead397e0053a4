// Package main provides the imagegend binary entry point.
// Imagegend is the batch AI image generation service: an admin API for batch
// submission, a task pipeline producing tagged and embedded images, and an
// optional queue relay for externalized task dispatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/glazeworks/imagegen/config"
	"github.com/glazeworks/imagegen/dispatch"
	"github.com/glazeworks/imagegen/objectstore"
	"github.com/glazeworks/imagegen/pipeline"
	"github.com/glazeworks/imagegen/provider"
	"github.com/glazeworks/imagegen/server"
	"github.com/glazeworks/imagegen/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "imagegend"
)

func main() {
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
		Use:   appName,
		Short: "Batch AI image generation service",
		Long: `Imagegend generates, tags and embeds product images in batches.

A batch submission becomes a job with one task per prompt copy. Each task
runs the full pipeline: generation, size variants, vision tagging, color
extraction and text embedding. Progress is tracked per job and served over
the admin API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(relayCmd(&configPath, &logLevel))
	cmd.AddCommand(migrateCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and, in in-process mode, the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func relayCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the queue relay that drives the worker endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.Mode != config.ModeExternal {
				return fmt.Errorf("relay requires mode %q", config.ModeExternal)
			}
			return relay(cmd.Context(), cfg, logger)
		},
	}
}

func migrateCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if err := store.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

// setup configures logging and loads the layered configuration.
func setup(configPath, logLevel string) (*slog.Logger, *config.Config, error) {
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

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return logger, cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	objects, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	generator, err := provider.NewGenerator(cfg.Providers.Generation)
	if err != nil {
		return err
	}
	tagger, err := provider.NewTagger(cfg.Providers.Vision)
	if err != nil {
		return err
	}
	embedder, err := provider.NewEmbedder(cfg.Providers.Embedding)
	if err != nil {
		return err
	}

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(logger)}

	var (
		queue dispatch.Queue
		pool  *dispatch.Pool
	)
	switch cfg.Mode {
	case config.ModeExternal:
		nc, err := nats.Connect(cfg.Queue.URL, nats.Name(appName))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()

		jsq, err := dispatch.NewJetStreamQueue(ctx, nc, cfg.Queue, logger)
		if err != nil {
			return err
		}
		queue = jsq
		pipelineOpts = append(pipelineOpts, pipeline.WithRequeue(jsq.Enqueue))
	default:
		// In-process mode: the pool is both the queue and the retry path.
		// Wiring happens after the pipeline exists.
	}

	pipe := pipeline.New(st, objects, generator, tagger, embedder, cfg.Pipeline, pipelineOpts...)

	if cfg.Mode == config.ModeInProcess {
		pool = dispatch.NewPool(pipe, cfg.Pipeline.WorkerConcurrency, cfg.Pipeline.ShutdownGrace, logger)
		pipe.SetRequeue(pool.Requeue)
		pool.Start(ctx)
		queue = pool
	}

	dispatcher := dispatch.New(st, queue, cfg.Mode, dispatch.WithLogger(logger))

	srv := server.New(st, dispatcher, pipe, objects,
		server.WithLogger(logger),
		server.WithWebhookSecret(cfg.Server.WebhookSecret))

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Pipeline.TaskBudget + time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Listen, "mode", cfg.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if pool != nil {
		pool.Stop()
	}
	return nil
}

func relay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.Queue.URL, nats.Name(appName+"-relay"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	queue, err := dispatch.NewJetStreamQueue(ctx, nc, cfg.Queue, logger)
	if err != nil {
		return err
	}

	r := dispatch.NewRelay(queue, cfg.Queue, cfg.Server.WebhookSecret, logger)
	return r.Run(ctx)
}

func newObjectStore(ctx context.Context, cfg config.StorageConfig) (objectstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return objectstore.NewS3(ctx, cfg)
	default:
		return objectstore.NewFS(cfg.Path)
	}
}
