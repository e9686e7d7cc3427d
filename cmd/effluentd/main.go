package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sihlelab/effluent/internal/adapters/duckdb"
	"github.com/sihlelab/effluent/internal/adapters/lapis"
	"github.com/sihlelab/effluent/internal/adapters/memqueue"
	appconfig "github.com/sihlelab/effluent/internal/config"
	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/services"
	"github.com/sihlelab/effluent/internal/deconv"
	"github.com/sihlelab/effluent/pkg/api"
)

var version = "0.4.0"

func main() {
	root := &cobra.Command{
		Use:   "effluentd",
		Short: "Wastewater lineage abundance estimation daemon",
	}
	root.AddCommand(serveCmd(), catalogueCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			logger.Info("starting effluentd", "version", version)

			if err := run(logger); err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func catalogueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalogue <file>",
		Short: "Validate a variant signature catalogue file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := domain.LoadCatalogue(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d variants, %d distinct mutations\n",
				len(cat.Variants), len(cat.MutationUnion()))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg := appconfig.FromEnv()

	repo, err := duckdb.New(cfg.DBPath, cfg.ResultTTL)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	// Settings store: loads persisted source settings with encrypted token
	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}
	settings, err := appconfig.NewSettingsStore(logger, repo, secretKey, appconfig.SourceSettings{
		LapisURL: cfg.LapisURL,
	})
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	// The client reads its endpoint and token through the store, so an
	// operator updating either via the API takes effect without a restart.
	source := lapis.New(logger,
		func() string { return settings.Get().LapisURL },
		settings.Token)
	settings.OnChange(func(s appconfig.SourceSettings) {
		logger.Info("source settings hot-reloaded", "lapis_url", s.LapisURL)
	})

	queue := memqueue.New(logger, cfg.QueueCapacity)
	defer queue.Close()

	engine := deconv.New(logger, deconv.Config{})
	builder := services.NewMatrixBuilder(logger, source)

	submitter := services.NewSubmitter(logger, repo, queue, source, cfg.ResultTTL)
	executor := services.NewExecutor(logger, repo, queue, builder, engine, services.ExecutorConfig{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})
	reaper := services.NewReaper(logger, repo, queue, services.ReaperConfig{
		StaleAfter: cfg.StaleAfter,
	})

	// Requeue anything a previous process left stranded before taking traffic.
	reaper.Sweep(ctx)

	apiServer, err := api.NewServer(logger, submitter, source, settings)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return executor.Run(gCtx)
	})

	g.Go(func() error {
		return reaper.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
