package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docflow/internal/api"
	"docflow/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, dispatch workers and session cleanup",
	Long: `Start the long-running docflow process:

  - the HTTP API for uploads, status, results and exports
  - dispatch workers, fed directly or through a NATS queue group
  - expiry timers plus a periodic cleanup sweep
  - Prometheus metrics on METRICS_PORT

On startup interrupted work is recovered: polling jobs resume tracking,
sessions stuck in post-processing are finalized and overdue sessions are
cleaned up.

Environment variables:
  HTTP_PORT, METRICS_PORT, PUBLIC_BASE_URL, ALLOWED_ORIGINS
  POSTGRES_DSN - records store (in-memory when unset)
  STORAGE_BACKEND - local or gcs, with STORAGE_PATH or GCS_BUCKET
  NATS_URL, NATS_SUBJECT - optional dispatch queue`,
	Example: `  # Serve with local storage and the Vision backend
  STORAGE_BACKEND=local SIGNING_SECRET=s3cret EXTRACTION_BACKEND=vision docflow serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{publish: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.service.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Recovering interrupted sessions failed")
	}
	if err := a.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("start session lifecycle: %w", err)
	}

	secret := ""
	if cfg.StorageBackend == "local" {
		secret = cfg.SigningSecret
	}
	server := api.NewServer(api.NewAPI(a.service, a.blobs, secret, cfg.AccessURLTTL), api.Options{
		Port:           cfg.HTTPPort,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP API listening")
		return server.Run(gctx)
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsPort, a.metrics.Handler(), log)
	})
	if a.queue != nil {
		g.Go(func() error {
			// Messages arrive on one goroutine; each session runs in the
			// background so a long poll does not hold up the next one.
			return a.queue.SubscribeSessions(gctx, func(ctx context.Context, sessionID string) error {
				if err := a.service.StartDispatch(ctx, sessionID); err != nil {
					return err
				}
				log.Info().Str("session_id", sessionID).Msg("Session dispatch started from queue")
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("docflow stopped")
	return nil
}

func serveMetrics(ctx context.Context, port string, handler http.Handler, log zerolog.Logger) error {
	if port == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", port).Msg("Metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Warn().
				Str("signal", sig.String()).
				Msg("Received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
