package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/credits"
	"github.com/jo-hoe/reelcut/internal/ffmpeg"
	"github.com/jo-hoe/reelcut/internal/jobs"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/llm/gemini"
	"github.com/jo-hoe/reelcut/internal/llm/mock"
	"github.com/jo-hoe/reelcut/internal/logging"
	"github.com/jo-hoe/reelcut/internal/processor"
	"github.com/jo-hoe/reelcut/internal/server"
	"github.com/jo-hoe/reelcut/internal/storage"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Level:  cfg.Server.LogLevel,
				Format: cfg.Server.LogFormat,
				Output: os.Stdout,
			})
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg, logger)
		},
	}
}

// serve runs the service until ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	lockPath := filepath.Join(cfg.Server.StorageDir, common.LockFileName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another reelcut instance is using %s", cfg.Server.StorageDir)
	}
	defer func() { _ = lock.Unlock() }()

	signer := storage.NewSigner(cfg.Storage.SigningKey)
	blobs, err := storage.NewLocalStore(filepath.Join(cfg.Server.StorageDir, common.BlobsDirName), signer, cfg.Storage.PublicBaseURL)
	if err != nil {
		return err
	}

	ledger, err := credits.NewSQLiteLedger(cfg.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	mirror, err := jobs.NewSQLiteMirror(cfg.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("open job mirror: %w", err)
	}
	defer func() { _ = mirror.Close() }()

	client, err := newModelClient(cfg, logger)
	if err != nil {
		return err
	}

	tool := ffmpeg.New(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, ffmpeg.ExecRunner{})
	worker := processor.New(logger, cfg, blobs, client, tool)
	estimator := credits.NewEstimator(tool, credits.Rates{
		Speech: cfg.Credits.SpeechRatePerHour,
		Visual: cfg.Credits.VisualRatePerHour,
	})

	orch := jobs.NewOrchestrator(logger, cfg.Orchestrator, jobs.Deps{
		Mirror:    mirror,
		Processor: worker,
		Auth:      credits.NewAuthorizer(estimator, ledger, cfg.Credits.InitialBalance),
		Sources:   blobs,
		HandleTTL: cfg.Storage.ReadHandleTTL,
	})

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:    logger,
		Cfg:    cfg,
		Jobs:   orch,
		Ledger: ledger,
		Blobs:  blobs,
		Signer: signer,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "address", cfg.Server.Addr, "provider", cfg.Model.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		orch.Shutdown(cfg.Server.ShutdownGrace)
		logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}

func newModelClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch strings.ToLower(cfg.Model.Provider) {
	case "mock":
		return mock.New(cfg.Model.Mock), nil
	case "gemini":
		return gemini.New(cfg.Model.Gemini, logger), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Model.Provider)
	}
}
