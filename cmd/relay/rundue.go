package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/relay/internal/config"
)

func runDueCmd(configPath *string) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "run-due",
		Short: "Execute every pending sequence step that is due, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.engine.ExecuteDueSteps(cmd.Context(), now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "executed %d due step(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Treat this RFC3339 time as now")
	return cmd
}
