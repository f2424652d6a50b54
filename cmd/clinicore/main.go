package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/clinicore/clinicore/internal/dotenv"
	"github.com/clinicore/clinicore/pkg/gateway/config"
	gatewayserver "github.com/clinicore/clinicore/pkg/gateway/server"
	"github.com/clinicore/clinicore/pkg/speech"
	"github.com/clinicore/clinicore/pkg/store"
)

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// pingWithRetry gives freshly scheduled dependencies a few seconds to come up
// before the process gives up.
func pingWithRetry(ctx context.Context, logger *slog.Logger, name string, ping func(context.Context) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			logger.Warn("dependency not ready", "dependency", name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	return nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	defer pool.Close()
	if err := pingWithRetry(ctx, logger, "postgres", pool.Ping); err != nil {
		return err
	}
	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := pingWithRetry(ctx, logger, "redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		return err
	}

	speechClient, err := speech.NewClient(ctx, speech.Config{
		ProjectID:    cfg.SpeechProjectID,
		Location:     cfg.SpeechLocation,
		RecognizerID: cfg.SpeechRecognizerID,
	})
	if err != nil {
		return err
	}
	defer speechClient.Close()

	db := store.NewPostgres(pool)
	gw := gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Sessions:    db,
		Transcripts: db,
		Speech:      speechClient,
		Presence:    store.NewRelayPresence(rdb, cfg.PresenceTTL),
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr,
		"speech_location", cfg.SpeechLocation, "speech_model", cfg.SpeechModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Stop admitting streams, then give live relays the grace period to
	// finish before cancelling them.
	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitRelays(waitCtx) {
		canceled := gw.CancelRelays()
		logger.Warn("relays cancelled at drain deadline", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "clinicore: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "clinicore: %v\n", err)
		os.Exit(1)
	}
}
