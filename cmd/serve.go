package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		startedAt := time.Now()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := buildApp(ctx, cfg, st)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), secsOr(cfg.Server.ShutdownTimeout, 30))
			defer cancel()
			if err := a.Close(shutdownCtx); err != nil {
				zap.L().Warn("shutdown incomplete", zap.Error(err))
			}
		}()

		requeued, reaped, err := a.recovery.Recover(ctx, startedAt)
		if err != nil {
			zap.L().Warn("startup recovery failed", zap.Error(err))
		} else if requeued > 0 || reaped > 0 {
			zap.L().Info("startup recovery complete",
				zap.Int("requeued", requeued),
				zap.Int("reaped", reaped),
			)
		}

		checker := monitoring.NewChecker(a.collector, monitoring.NewAlerter(cfg.Monitoring), a.recovery, cfg.Monitoring)
		go checker.Run(ctx)

		handler := buildMux(&api{
			jobs:          a.orchestrator,
			status:        a.status,
			collector:     a.collector,
			health:        st,
			lookbackHours: cfg.Monitoring.LookbackWindowHours,
		}, cfg.Server.CORSOrigins)

		return startServer(ctx, handler, resolvePort(servePort, cfg.Server.Port))
	},
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
