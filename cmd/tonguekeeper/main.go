// tonguekeeper - autonomous preservation pipeline for endangered languages.
//
// The serve command runs the full service: HTTP/WebSocket API, pipeline
// orchestrator, SQLite record store, and the event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tonguekeeper/internal/config"
	"tonguekeeper/internal/crawler"
	"tonguekeeper/internal/crossref"
	"tonguekeeper/internal/embedding"
	"tonguekeeper/internal/enrich"
	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/media"
	"tonguekeeper/internal/notify"
	"tonguekeeper/internal/pipeline"
	"tonguekeeper/internal/pronounce"
	"tonguekeeper/internal/reasoning"
	"tonguekeeper/internal/server"
	"tonguekeeper/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	verbose    bool
	addr       string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tonguekeeper",
	Short: "TongueKeeper - preservation pipeline for endangered languages",
	Long: `TongueKeeper autonomously discovers, crawls, and extracts vocabulary
from online sources documenting endangered languages, cross-references
the results into a deduplicated archive, and enriches entries with
cultural context and pronunciation audio.

Run "tonguekeeper serve" to start the service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TongueKeeper service",
	RunE:  runServe,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tonguekeeper.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address override")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}

	home, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	if err := logging.Initialize(home, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}
	defer logging.Close()

	if cfg.Reasoning.APIKey == "" {
		return fmt.Errorf("reasoning API key is required (set TONGUEKEEPER_GEMINI_API_KEY)")
	}

	// Semantic search is optional: without an embedding key the store
	// falls back to keyword search.
	var embedder embedding.Engine
	if cfg.Embedding.APIKey != "" {
		eng, err := embedding.NewGenAIEngine(cfg.Embedding.APIKey, cfg.Embedding.Model)
		if err != nil {
			logger.Warn("embedding engine unavailable, keyword search only", zap.Error(err))
		} else {
			embedder = eng
		}
	} else {
		logger.Info("no embedding API key, keyword search only")
	}

	recordStore, err := store.NewLocalStore(cfg.Store.DatabasePath, embedder)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer recordStore.Close()

	reasoner := reasoning.NewGeminiClientWithConfig(reasoning.GeminiConfig{
		APIKey:          cfg.Reasoning.APIKey,
		BaseURL:         cfg.Reasoning.BaseURL,
		Model:           cfg.Reasoning.Model,
		Timeout:         cfg.ReasoningTimeout(),
		MaxOutputTokens: cfg.Reasoning.MaxOutputTokens,
	})

	crawlService := crawler.New(cfg.Crawler)
	defer crawlService.Close()

	seeds, err := config.NewSeedCatalog(cfg.Pipeline.SeedCatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load seed catalog: %w", err)
	}
	if err := seeds.Watch(); err != nil {
		logger.Warn("seed catalog watch disabled", zap.Error(err))
	}
	defer seeds.Stop()

	bus := events.NewBus()
	defer bus.Close()

	mediaStore := media.New(cfg.Media.Endpoint, cfg.Media.PublicURL, cfg.Media.AccessKey, cfg.MediaTimeout())
	notifier := notify.New(cfg.Notify.WebhookURL, cfg.NotifyTimeout())

	orch := pipeline.New(pipeline.Deps{
		Reasoner: reasoner,
		Store:    recordStore,
		Crawler:  crawlService,
		Merger:   crossref.New(reasoner, recordStore, bus, cfg.Pipeline.MergeBatchSize, cfg.Pipeline.MergeMaxTurns),
		Enricher: enrich.New(reasoner, recordStore, bus, cfg.Pipeline.EnrichmentBudget, cfg.Pipeline.CulturalBudget),
		Audio:    pronounce.New(cfg.Audio.Endpoint, cfg.Audio.APIKey, cfg.Audio.MaxClips, cfg.AudioTimeout(), recordStore, mediaStore, bus),
		Media:    mediaStore,
		Notifier: notifier,
		Seeds:    seeds,
		Bus:      bus,
		Config:   cfg.Pipeline,
	})

	srv := server.New(cfg.Name, cfg.Server, orch, recordStore, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("tonguekeeper serving", zap.String("addr", cfg.Server.Addr), zap.String("version", cfg.Version))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	orch.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	orch.Wait()
	return nil
}
