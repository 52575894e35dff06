package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type lifecycleEvent int

const (
	eventShutdown lifecycleEvent = iota
	eventBackground
	eventForeground
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		GroupID: "sync",
		Short:   "Sync on a schedule until interrupted",
		Long: `Run sync cycles on a jittered interval until SIGINT or SIGTERM.

On shutdown a time-boxed push flushes queued changes. Where supported,
SIGUSR1 makes the same background push and pauses the schedule, and
SIGUSR2 re-checks reachability and resumes it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.requireServer(); err != nil {
				return err
			}
			if err := e.watchMedia(); err != nil {
				e.logger.Warn("media watcher unavailable; index is refreshed only by downloads", zap.Error(err))
			}

			sigs := make(chan os.Signal, 4)
			signal.Notify(sigs, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, lifecycleSignals...)...)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := e.coordinator.Start(ctx); err != nil {
				return err
			}
			e.logger.Info("sync scheduler started",
				zap.String("device_id", e.device.DeviceID),
				zap.Duration("interval", e.settings.Interval),
			)

			for {
				var sig os.Signal
				select {
				case <-ctx.Done():
					return nil
				case sig = <-sigs:
				}
				switch classifySignal(sig) {
				case eventBackground:
					report, err := e.coordinator.PushOnBackground(ctx)
					logCycle(e.logger, "background push", report, err)
				case eventForeground:
					if err := e.coordinator.OnForeground(ctx); err != nil {
						e.logger.Warn("foreground check failed; schedule resumes once reachable", zap.Error(err))
					}
				default:
					e.logger.Info("shutting down", zap.String("signal", sig.String()))
					e.coordinator.Stop()
					// the run context may already be cancelled by the parent
					report, err := e.coordinator.PushOnBackground(context.WithoutCancel(ctx))
					logCycle(e.logger, "shutdown push", report, err)
					return nil
				}
			}
		},
	}
}
