package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/api"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP API and the scheduler",
	Long:  "Start the execution engine, the cron and event scheduler and the admin HTTP API with its live event stream.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides http.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, appOptions{scheduler: true})
	if err != nil {
		return err
	}

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			_ = a.close(ctx)
			return err
		}
	}

	handler := api.NewServer(api.Deps{
		Engine:    a.engine,
		Loader:    a.loader,
		Scheduler: a.scheduler,
		Approvals: a.queue,
		Hub:       a.hub,
		Logger:    logger,
	}).Handler()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Engine.MaxRuntime + 15*time.Second, // sync executions hold the response
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.HTTP.Addr, "workflows", a.engine.Workflows().Count())
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("admin API: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed, closing", "error", err)
		srv.Close()
	}
	if err := a.close(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
	logger.Info("flowpilot stopped")
	return serveErr
}
