package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Composite the configured scenes into a mosaic",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		r, err := a.runner()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		outputs, err := r.Run(ctx)
		if err != nil {
			return err
		}
		a.log.Info("Mosaic complete",
			zap.Int("files", len(outputs)),
			zap.Int("scenes_used", a.collector.Info.ScenesUsed),
			zap.Duration("duration", a.collector.Info.Duration))
		return nil
	},
}
