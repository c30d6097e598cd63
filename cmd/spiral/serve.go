package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/spiral/internal/api"
)

const shutdownTimeout = 30 * time.Second

func registerServeCommand(root *cobra.Command, c *cli) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, scheduler, webhook delivery and REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("server.listen_addr", ":4200", "HTTP listen address")
	root.AddCommand(cmd)
}

func (c *cli) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()
	if err := rt.start(ctx, startOptions{recover: true, scheduler: true}); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: c.cfg.Server.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Engine:    rt.engine,
			Webhooks:  rt.webhooks,
			Hub:       rt.hub,
			Scheduler: rt.scheduler,
			Logger:    c.logger.With(slog.String("component", "api")),
		}).Handler(),
		ReadTimeout:  c.cfg.Server.ReadTimeout,
		WriteTimeout: c.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("spiral listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// signalContext is the cancellation used by commands without a server.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
