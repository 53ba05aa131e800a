package internal

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/logging"
	"github.com/dangazineu/kiln/internal/server"
)

// shutdownTimeout bounds how long in-flight runs get after a signal.
const shutdownTimeout = 30 * time.Second

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the prompt endpoint over HTTP",
		Long: `Serve accepts requirements on POST /prompt and answers with the terminal run result.
It also serves run snapshots on GET /runs/{id}, health on /healthz and Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			a, err := newApp(cfg, logger, reg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.orchestrator, a.workspace, reg, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(cfg.Server.Addr)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if err := <-errCh; err != nil {
				logger.Warn("server stopped with error", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
	return cmd
}
