package main

import (
	"fmt"

	"github.com/aescanero/labexec/internal/config"
	"github.com/spf13/cobra"
)

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Manage delivered execution results",
	}

	cmd.AddCommand(resultsDeleteCmd())

	return cmd
}

func resultsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <execution-id>...",
		Short: "Delete the stored results of executions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := initLogger(cfg.LogLevel)
			defer func() { _ = logger.Sync() }()

			b, err := openBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			if err := b.reporter.DeleteResults(cmd.Context(), args); err != nil {
				return fmt.Errorf("failed to delete results: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted results of %d execution(s)\n", len(args))
			return nil
		},
	}
}
