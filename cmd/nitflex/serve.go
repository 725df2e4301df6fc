package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AdlarX9/nitflex-sub000/config"
	"github.com/AdlarX9/nitflex-sub000/internal/adapter/encoder/ffmpeg"
	httpadapter "github.com/AdlarX9/nitflex-sub000/internal/adapter/http"
	"github.com/AdlarX9/nitflex-sub000/internal/adapter/library"
	"github.com/AdlarX9/nitflex-sub000/internal/adapter/storage/memory"
	"github.com/AdlarX9/nitflex-sub000/internal/adapter/storage/sqlite"
	tagger "github.com/AdlarX9/nitflex-sub000/internal/adapter/tagger/ffmpeg"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/AdlarX9/nitflex-sub000/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcoding server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = os.Getenv("NITFLEX_CONFIG")
			}
			cfg, err := config.LoadFrom(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Configure(cfg.LogLevel, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func openStore(cfg *config.Config) (port.JobStore, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewStore(), func() {}, nil
	case config.StoreJSON:
		store, err := memory.Open(filepath.Join(cfg.DataDir, "jobs.json"))
		if err != nil {
			return nil, nil, fmt.Errorf("open json store: %w", err)
		}
		return store, func() {}, nil
	default:
		store, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error.Printf("close store: %v", err)
			}
		}, nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.DataDir, "nitflex.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another nitflex server is already using %s", cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	encoderCfg, err := ffmpeg.Resolve(cfg.HWAccel)
	if err != nil {
		return err
	}
	logger.Info.Printf("encoder selected: %s (%s)", encoderCfg.Accel, encoderCfg.VideoCodec)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	prober := ffmpeg.NewProber(cfg.FFprobePath)
	broadcast := service.NewBroadcaster(cfg.SubscriberBuffer)
	defer broadcast.Close()

	orchestrator := service.NewOrchestrator(
		tagger.NewTagger(cfg.FFmpegPath),
		library.New(cfg.MoviesDir, cfg.SeriesDir),
	)
	scheduler := service.NewScheduler(store, ffmpeg.NewEncoder(cfg.FFmpegPath), prober, orchestrator, broadcast, service.SchedulerConfig{
		Workers:     cfg.Workers,
		CancelGrace: cfg.CancelGraceDuration(),
		WorkDir:     cfg.WorkDir,
		Encoder:     encoderCfg,
	})
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpadapter.NewServer(scheduler, httpadapter.ServerOptions{
			Prober:  prober,
			Encoder: encoderCfg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Live streams only return once their subscription is released.
	httpServer.RegisterOnShutdown(broadcast.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info.Printf("nitflex listening on %s (store=%s, workers=%d)", cfg.Addr(), cfg.Store, cfg.Workers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info.Printf("shutting down")

		var errs []error
		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelHTTP()
		if err := httpServer.Shutdown(httpCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		schedCtx, cancelSched := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelSched()
		if err := scheduler.Shutdown(schedCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info.Printf("shutdown complete")
	return nil
}
