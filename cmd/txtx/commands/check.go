package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/policy"
)

const recheckDelay = 200 * time.Millisecond

func newCheckCommand() *cobra.Command {
	var (
		env   string
		watch bool
		dot   bool
	)

	cmd := &cobra.Command{
		Use:   "check <runbook>",
		Short: "Validate a runbook without executing it",
		Long: `Index a runbook, build its dependency graph and evaluate policies.

Check reports:
  - CUE and schema errors
  - Unknown addon specifications
  - Dependency cycles
  - References that do not resolve
  - Policy violations and warnings

Nothing is executed and no state is written.`,
		Example: `  # Check a runbook
  txtx check transfer

  # Re-check on every runbook or policy change
  txtx check transfer --watch

  # Render the dependency graph
  txtx check transfer --dot | dot -Tpng > transfer.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runbook := args[0]

			p, err := loadProject(ctx, manifestPath)
			if err != nil {
				return err
			}
			defer p.close(context.WithoutCancel(ctx))

			eng, err := p.policies(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !watch {
				return p.check(ctx, out, eng, runbook, env, dot)
			}
			return p.watchCheck(ctx, out, eng, runbook, env)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment to check against")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-check on file changes")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")

	return cmd
}

// check runs one validation pass and prints its report.
func (p *project) check(ctx context.Context, out io.Writer, eng *policy.Engine, runbook, env string, dot bool) error {
	ws, err := p.workspace(ctx, runbook, env)
	if err != nil {
		return err
	}

	ec, err := engine.FromWorkspace(ws)
	if err != nil {
		return err
	}
	if dot {
		fmt.Fprint(out, ec.Graph().ToDOT())
		return nil
	}

	failures, err := ec.SimulateExecution()
	if err != nil {
		return err
	}
	result, policyErr := p.preflight(ctx, eng, ws)
	if result == nil {
		return policyErr
	}

	fmt.Fprintf(out, "Runbook %s (%s)\n", runbook, ws.Environment())
	fmt.Fprintln(out, "Execution order:")
	for i, did := range ec.ExecutionOrder() {
		fmt.Fprintf(out, "  %2d. %s\n", i+1, ec.Label(did))
	}
	if order := ec.SignerInitializationOrder(); len(order) > 0 {
		fmt.Fprintln(out, "Signers:")
		for _, did := range order {
			fmt.Fprintf(out, "  - %s\n", ec.Label(did))
		}
	}
	for _, d := range failures {
		fmt.Fprintf(out, "✗ %s\n", d.Error())
	}
	for _, v := range result.Violations {
		fmt.Fprintf(out, "✗ %s\n", v.String())
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "! %s\n", w.String())
	}

	if len(failures) > 0 {
		return failures[0]
	}
	if policyErr != nil {
		return policyErr
	}
	fmt.Fprintln(out, "✓ Runbook is valid")
	return nil
}

// watchCheck re-runs check whenever a runbook or policy file changes,
// until ctx is cancelled.
func (p *project) watchCheck(ctx context.Context, out io.Writer, eng *policy.Engine, runbook, env string) error {
	entry, ok := p.manifest.Runbook(runbook)
	if !ok {
		return fmt.Errorf("runbook %q not found in manifest", runbook)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	location := p.manifest.ResolvePath(entry.Location)
	if info, err := os.Stat(location); err == nil && !info.IsDir() {
		location = filepath.Dir(location)
	}
	if err := watcher.Add(location); err != nil {
		return fmt.Errorf("failed to watch %s: %w", location, err)
	}

	recheck := make(chan struct{}, 1)
	trigger := func() {
		select {
		case recheck <- struct{}{}:
		default:
		}
	}

	var reloads <-chan policy.Reload
	if len(p.manifest.Policies) > 0 {
		reloads, err = p.policyLoader().Watch(ctx, p.manifest.Policies)
		if err != nil {
			return err
		}
	}

	report := func() {
		if err := p.check(ctx, out, eng, runbook, env, false); err != nil {
			fmt.Fprintf(out, "✗ %v\n", err)
		}
		fmt.Fprintf(out, "Watching %s for changes...\n", location)
	}
	report()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".cue" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				debounce = time.After(recheckDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-debounce:
			debounce = nil
			trigger()
		case r, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			if err := applyReload(ctx, out, eng, r); err != nil {
				fmt.Fprintf(out, "✗ policies not reloaded, previous set kept: %v\n", err)
				continue
			}
			trigger()
		case <-recheck:
			report()
		}
	}
}

// applyReload swaps the engine policies for a reloaded set and prints the
// files that were skipped.
func applyReload(ctx context.Context, out io.Writer, eng *policy.Engine, r policy.Reload) error {
	if r.Err != nil {
		return r.Err
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(out, "! %s: %s\n", w.Location, w.Message)
	}
	return eng.ReplacePolicies(ctx, r.Policies)
}
