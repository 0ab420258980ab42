package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/txtx/txtx/pkg/stores"
)

func newSnapshotCommand() *cobra.Command {
	var (
		output string
		events bool
	)

	cmd := &cobra.Command{
		Use:   "snapshot <run-id>",
		Short: "Export the snapshot of a completed run",
		Long: `Export the snapshot of a completed run as JSON.

A snapshot lists the packages of the runbook and every construct that
executed, with its inputs before and after evaluation and its outputs.
Only completed runs have a snapshot.`,
		Example: `  # Print a snapshot
  txtx snapshot 3f2b9c1e-7d1a-4c55-9a51-0c5b6f0e2a11

  # Write it to a file
  txtx snapshot 3f2b9c1e-7d1a-4c55-9a51-0c5b6f0e2a11 -o transfer.json

  # Print the events recorded during the run
  txtx snapshot 3f2b9c1e-7d1a-4c55-9a51-0c5b6f0e2a11 --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			p, err := loadProject(ctx, manifestPath)
			if err != nil {
				return err
			}
			defer p.close(context.WithoutCancel(ctx))

			store, err := p.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var v interface{}
			if events {
				v, err = store.GetEvents(ctx, stores.EventFilter{RunID: &runID})
			} else {
				v, err = store.GetSnapshot(ctx, runID)
			}
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode: %w", err)
			}

			if output == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			log.Info().Str("run_id", runID).Str("path", output).Msg("Snapshot exported")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&events, "events", false, "export the run events instead of the snapshot")

	return cmd
}
