package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/rollchain/internal/api"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP control surface until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			// Set up signal handling for graceful shutdown
			ctx, cancel := context.WithCancel(contextOf(cmd))
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			server := api.NewServer(api.Config{
				Port:      a.cfg.Server.Port,
				AuthToken: a.cfg.Server.AuthToken,
			}, a.store, a.runner, a.logger)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- server.Start()
			}()

			schedulerDone := make(chan struct{})
			go func() {
				defer close(schedulerDone)
				if noScheduler {
					<-ctx.Done()
					a.runner.Wait()
					return
				}
				if err := a.runner.Start(ctx); err != nil {
					a.logger.WithError(err).Error("Scheduler error")
				}
			}()

			var runErr error
			select {
			case <-sigChan:
				a.logger.Info("Shutdown signal received, stopping...")
			case runErr = <-serverErr:
				if runErr != nil {
					a.logger.WithError(runErr).Error("API server stopped")
				}
			}
			cancel()

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.WithError(err).Warn("API server shutdown incomplete")
			}
			select {
			case <-schedulerDone:
			case <-shutdownCtx.Done():
				a.logger.Warn("Timed out waiting for in-flight runs")
			}

			a.logger.Info("rollchain stopped")
			return runErr
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API only; runs start on demand")
	return cmd
}
