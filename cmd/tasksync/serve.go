package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/erennakbas/tasksync/types"
	"github.com/erennakbas/tasksync/ui"
)

func serveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the client running and serve the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = rt.cfg.UI.Addr
			}
			interval, _ := cmd.Flags().GetDuration("refresh-interval")
			if interval <= 0 {
				interval = 30 * time.Second
			}

			rt.client.Subscribe(func(ev types.Event) {
				entry := rt.logger.WithField("task_id", ev.Task.ID).WithField("event", ev.Kind)
				if ev.Err != nil {
					entry.WithError(ev.Err).Warn("task failed")
					return
				}
				entry.Debug("task changed")
			})

			server, err := ui.NewServer(ui.Config{
				Addr:          addr,
				Client:        rt.client,
				Gatherer:      rt.registry,
				AllowedOrigin: rt.cfg.UI.AllowedOrigin,
				Logger:        rt.logger.WithField("component", "ui"),
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			rt.refresh(ctx)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					rt.refresh(ctx)
					_ = rt.checkHealth(ctx)
				case err := <-errCh:
					return err
				case <-ctx.Done():
					rt.logger.Info("shutting down")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := rt.flush(shutdownCtx); err != nil {
						rt.logger.WithError(err).Warn("failed to flush before shutdown")
					}
					return server.Shutdown(shutdownCtx)
				}
			}
		},
	}

	cmd.Flags().String("addr", "", "Dashboard address (default ui.addr)")
	cmd.Flags().Duration("refresh-interval", 30*time.Second, "Interval between remote refreshes")

	return cmd
}
