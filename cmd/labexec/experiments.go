package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aescanero/labexec/internal/config"
	"github.com/aescanero/labexec/pkg/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func experimentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "Manage the experiments executions run",
	}

	cmd.AddCommand(experimentsRegisterCmd())

	return cmd
}

func experimentsRegisterCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an experiment from a JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			experiment, err := readExperiment(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

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

			if err := b.store.SaveExperiment(cmd.Context(), experiment); err != nil {
				return fmt.Errorf("failed to save experiment: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), experiment.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "experiment JSON file, - for stdin")

	return cmd
}

// readExperiment decodes and checks an experiment document. A missing id is
// generated.
func readExperiment(stdin io.Reader, file string) (*domain.Experiment, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file, err)
		}
		defer f.Close()
		r = f
	}

	experiment := &domain.Experiment{}
	if err := json.NewDecoder(r).Decode(experiment); err != nil {
		return nil, fmt.Errorf("failed to decode experiment: %w", err)
	}

	if experiment.ID == "" {
		experiment.ID = uuid.NewString()
	} else if _, err := uuid.Parse(experiment.ID); err != nil {
		return nil, fmt.Errorf("experiment id %q is not a uuid", experiment.ID)
	}
	if experiment.Image == "" {
		return nil, fmt.Errorf("experiment image is required")
	}

	return experiment, nil
}
