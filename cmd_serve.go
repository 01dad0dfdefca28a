package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apppay "github.com/Zhima-Mochi/directpay/internal/application/payment"
	"github.com/Zhima-Mochi/directpay/internal/config"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	httppresentation "github.com/Zhima-Mochi/directpay/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/directpay/internal/presentation/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(envFile *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			a.system.Error("shutdown_incomplete", observability.F("error", err.Error()))
		}
	}()
	a.startEvents(ctx)

	// reservations older than the grace period belong to a previous process
	if _, err := a.orch.RecoverInFlight(ctx, cfg.ReconcileGrace); err != nil {
		a.system.Error("in_flight_recovery_failed", observability.F("error", err.Error()))
	}

	worker := apppay.NewReconcileWorker(a.reconciler,
		workerpresentation.NewSubscriber(a.bus, "reconcile-worker", a.logger, a.tel),
		cfg.ReconcileInterval, a.logger, apppay.WithInFlightSweep(a.orch))
	worker.Start(ctx)
	defer worker.Wait()

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httppresentation.NewHandler(a.orch, a.logger, a.tel,
		httppresentation.WithMetricsHandler(promhttp.Handler()))
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.system.Info("http_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.system.Error("http_server_error", observability.F("error", err.Error()))
			stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.system.Error("http_server_shutdown_error", observability.F("error", err.Error()))
		return err
	}
	a.system.Info("http_server_stopped")
	return nil
}
