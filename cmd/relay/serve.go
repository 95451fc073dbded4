package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/relay/internal/config"
	"github.com/petrijr/relay/internal/webhook"
	"github.com/petrijr/relay/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, queue workers and due-step sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for i := 0; i < a.cfg.Engine.Workers; i++ {
		w := worker.NewWithConfig(a.engine, a.queue, worker.Config{
			Logger: a.logger.With("worker", i),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweep(ctx)
	}()

	srv := &http.Server{
		Addr: a.cfg.HTTPAddr,
		Handler: webhook.New(webhook.Config{
			Engine:   a.engine,
			Gatherer: a.registry,
			Logger:   a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("relay listening", "addr", a.cfg.HTTPAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	cancel()
	wg.Wait()
	return serveErr
}

// sweep runs ExecuteDueSteps on every tick. It catches steps whose queue
// task was lost and is the only executor when no worker runs.
func (a *app) sweep(ctx context.Context) {
	interval := a.cfg.Engine.DueSweepInterval
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := a.engine.ExecuteDueSteps(ctx, now)
			if err != nil {
				a.logger.Error("due_sweep_failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("due_sweep", "executed", n)
			}
		}
	}
}
