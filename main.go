package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/ydl-server/config"
	"github.com/jupark12/ydl-server/extractor"
	"github.com/jupark12/ydl-server/history"
	"github.com/jupark12/ydl-server/models"
	"github.com/jupark12/ydl-server/queue"
	"github.com/jupark12/ydl-server/server"
	"github.com/jupark12/ydl-server/submit"
	"github.com/jupark12/ydl-server/tenancy"
	"github.com/jupark12/ydl-server/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to read .env: %v", err)
	}

	// Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logs, err := config.SetupLoggers(cfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logs.Close()
	logger := logs.Server

	if err := run(cfg, logs); err != nil {
		logger.Error("Server exited with error", slog.String("error", err.Error()))
		logs.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logs *config.Logs) error {
	logger := logs.Server

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tenants, err := tenancy.Parse(cfg.Users, cfg.AuthDelay)
	if err != nil {
		return err
	}
	presets, err := models.NewPresetTable(models.DefaultPresets(), cfg.DefaultPreset)
	if err != nil {
		return err
	}

	ytdlp := extractor.NewYtDlp(logs.Download)
	if cfg.UpdateOnStart {
		if err := ytdlp.Install(ctx); err != nil {
			return err
		}
		res, err := ytdlp.Update(ctx)
		if err != nil {
			logger.Warn("Extractor update failed", slog.String("error", err.Error()), slog.String("output", res.Error))
		} else {
			logger.Info("Extractor updated", slog.String("output", res.Output))
		}
	}

	// Job history is optional
	var (
		recorder history.Recorder = history.Nop{}
		reader   history.Reader
		pool     *pgxpool.Pool
		dbPing   func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		if err := history.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
		pool, err = history.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		store := history.NewPostgres(pool)
		recorder, reader = store, store
		dbPing = pool.Ping
	}

	hub := models.NewWebSocketManager(logger)

	// Initialize the job queue and its single worker
	jobQueue := queue.NewJobQueue()
	wk := worker.NewWorker(jobQueue, ytdlp, logs.Download)
	wk.SetNotifier(hub)
	wk.SetRecorder(recorder)
	wk.SetProgressInterval(cfg.ProgressInterval)

	pipeline := worker.NewPipeline(jobQueue, wk, logger)
	pipeline.Start()

	submitter := submit.NewService(ytdlp, presets, pipeline, logs.Download, submit.Config{
		OutputTemplate: cfg.OutputTemplate,
		ArchiveFile:    cfg.ArchiveFile,
		Verbose:        cfg.Verbose(),
		JobLog:         logs.DownloadWriter,
		NewHandler:     cfg.NewHandler,
	})

	opts := server.Options{
		Addr:            cfg.Addr(),
		ReadTimeout:     cfg.HTTPReadTimeout,
		IdleTimeout:     cfg.HTTPIdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		StaticDir:       cfg.StaticDir,
		Tenants:         tenants,
		Presets:         presets,
		Submitter:       submitter,
		Pipeline:        pipeline,
		Updater:         ytdlp,
		History:         reader,
		Hub:             hub,
		DBPing:          dbPing,
	}
	srv := server.New(opts, logger)

	logger.Info("Download server started",
		slog.String("addr", cfg.Addr()),
		slog.Any("users", tenants.Usernames()),
		slog.String("default_preset", presets.Default()),
		slog.Bool("history", reader != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	serveErr := g.Wait()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Worker did not stop in time", slog.String("error", err.Error()))
	}

	logger.Info("Download server stopped")
	return serveErr
}
