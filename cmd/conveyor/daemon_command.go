package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conveyor/internal/daemon"
	"conveyor/internal/logging"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the conveyor daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize daemon: %w", err)
			}
			defer func() {
				if err := d.Close(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "close daemon: %v\n", err)
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Start(runCtx); err != nil {
				return err
			}
			<-runCtx.Done()
			d.Stop()
			return nil
		},
	}
}
