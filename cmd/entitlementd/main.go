// Command entitlementd serves the Stripe webhook endpoint and the
// entitlement API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "entitlementd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Fatal().Err(err).Msg("entitlementd failed")
	}
	log.Info().Msg("entitlementd stopped")
}

func run(ctx context.Context, log zerolog.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil {
		log = log.Level(level)
	}

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	a, err := newApp(cfg, log, storage)
	if err != nil {
		return err
	}
	if a.notifier != nil {
		defer func() {
			if err := a.notifier.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close kafka writer")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.App.ProcessingTimeout + 5*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("storage", cfg.Storage.Backend).
			Msg("entitlementd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
