package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var serveFlags struct {
	port string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API on PORT.

Shared state (idempotency records, rate-limit windows, breaker state and SLO
windows) lives in Redis when STORE_BACKEND=redis and in process memory
otherwise. Counters, thresholds, alerts, portfolios and the audit ledger
live in the database.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.port, "port", "", "HTTP port to listen on (env: PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	errLog, _ := zap.NewStdLogAt(logger.Named("http"), zapcore.ErrorLevel)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ErrorLog:          errLog,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-process stores; idempotency, rate limits, breakers and SLO windows are not shared across instances",
			zap.String("store", cfg.StoreBackend))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server",
			zap.String("addr", srv.Addr),
			zap.String("database", cfg.DatabaseDriver),
			zap.String("store", cfg.StoreBackend),
			zap.String("notify", cfg.NotifyMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
