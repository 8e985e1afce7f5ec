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
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/api"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the billing scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 8080, "HTTP server port")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.engine, a.log)

	scheduler := api.NewBillingScheduler(a.engine, a.log)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.InvoiceSpec = a.cfg.Scheduler.InvoiceCron
	scheduler.PenaltySpec = a.cfg.Scheduler.ArrestCron
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.Server.CORSAllowedOrigins,
		Logger:         a.log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			zap.Int("port", a.cfg.Server.Port),
			zap.String("database", a.cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		a.log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}
