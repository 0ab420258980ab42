package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/runloop"
	"github.com/txtx/txtx/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		env        string
		only       []string
		force      bool
		unattended bool
		reset      bool
	)

	cmd := &cobra.Command{
		Use:   "run <runbook>",
		Short: "Execute a runbook",
		Long: `Execute a runbook declared in the workspace manifest.

The run resumes from the results persisted for the runbook and environment:
constructs that already executed are not executed again unless --force is
given. In supervised mode every action item is answered on the terminal;
with --unattended reviews are auto-checked and inputs take their defaults.

Policies are evaluated before the first construct executes. A denied run
never starts.`,
		Example: `  # Run a runbook in the default environment
  txtx run transfer

  # Run against mainnet without prompts
  txtx run transfer --env mainnet --unattended

  # Execute one action and what it depends on
  txtx run transfer --only action.send

  # Start over, dropping persisted results and signer states
  txtx run transfer --reset`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runbook := args[0]

			p, err := loadProject(ctx, manifestPath)
			if err != nil {
				return err
			}
			defer p.close(context.WithoutCancel(ctx))

			ws, err := p.workspace(ctx, runbook, env)
			if err != nil {
				return err
			}

			log.Info().
				Str("runbook", runbook).
				Str("environment", ws.Environment()).
				Strs("only", only).
				Bool("force", force).
				Msg("Running runbook")

			eng, err := p.policies(ctx)
			if err != nil {
				return err
			}
			if _, err := p.preflight(ctx, eng, ws); err != nil {
				return err
			}

			ec, err := engine.FromWorkspace(ws)
			if err != nil {
				return err
			}

			cfg := runloop.DefaultConfig(runbook)
			cfg.Environments = p.manifest.Environments
			cfg.Unattended = unattended || p.runtime.Unattended
			cfg.Force = force
			cfg.MaxPolls = p.runtime.MaxPolls
			cfg.PollInterval = p.runtime.PollInterval
			cfg.PollMaxInterval = p.runtime.PollMaxInterval
			cfg.Meta = engine.SnapshotMeta{
				Org:     p.manifest.Org,
				Project: p.manifest.Project,
				Name:    runbook,
			}
			cfg.Mode = engine.FullExecution()
			if len(only) > 0 {
				dids, err := resolveLabels(ws, ec, only, true)
				if err != nil {
					return err
				}
				cfg.Mode = engine.PartialExecution(dids...)
			}

			store, err := p.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if reset {
				key := engine.RunbookKey(runbook, ws.Environment())
				if err := store.ResetRunbook(ctx, key); err != nil {
					return fmt.Errorf("failed to reset %s: %w", key, err)
				}
				log.Info().Str("key", key).Msg("Persisted state reset")
			}

			tel, err := p.telemetry(cliVersion, ws.Environment())
			if err != nil {
				return err
			}
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			tel.Events.Subscribe(telemetry.StoreSubscriber(store, tel.Logger), nil)
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			runner := runloop.New(ws, ec, cfg,
				runloop.WithStore(store),
				runloop.WithObserver(telemetry.NewRunObserver(tel)),
				runloop.WithLogger(log.Logger),
			)

			var sup runloop.Supervisor = runloop.NewTerminalSupervisor(cmd.InOrStdin(), cmd.OutOrStdout())
			if cfg.Unattended {
				sup = &runloop.Unattended{Logger: log.Logger}
			}

			status, runErr := runloop.Execute(ctx, runner, sup)
			run := runner.Record()
			if run != nil {
				if err := printRun(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if status != engine.RunStatusCompleted {
				return fmt.Errorf("run ended with status %s", status)
			}
			if run != nil {
				if failed := run.Summary[engine.ConstructFailed] + run.Summary[engine.ConstructBlocked]; failed > 0 {
					return fmt.Errorf("run completed with %d failed or blocked constructs", failed)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment to run against")
	cmd.Flags().StringSliceVar(&only, "only", nil, "execute only these constructs (kind.name) and their dependencies")
	cmd.Flags().BoolVar(&force, "force", false, "execute constructs that already have results")
	cmd.Flags().BoolVar(&unattended, "unattended", false, "run without prompts")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop persisted state before running")

	return cmd
}

func printRun(w io.Writer, run *engine.Run) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Fprintf(w, "\nRun %s: %s (%s)\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	statuses := make([]string, 0, len(run.Summary))
	for s := range run.Summary {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", s, run.Summary[engine.ConstructStatus(s)])
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	return nil
}
