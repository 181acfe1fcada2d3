package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"nxcache/internal/core"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownGracePeriod = 15 * time.Second

// Run serves server until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, server *core.Server) error {

	// No read or write timeout: artifact bodies can be arbitrarily large.
	httpServer := &http.Server{
		Addr:              server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()

		slog.Info("Shutting down nx-cache server")
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting nx-cache HTTP server", "port", server.Config.Port, "metrics", server.Config.ExposeMetrics)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("nx-cache exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
