package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the policies evaluated before a run",
		Long: `List the built-in policies and the policies loaded from the paths in
the manifest. Policies with severity error or critical deny a run; the
others are reported as warnings.`,
		Example: `  # List policies
  txtx policies

  # As JSON
  txtx policies --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadProject(ctx, manifestPath)
			if err != nil {
				return err
			}
			defer p.close(context.WithoutCancel(ctx))

			eng, err := p.policies(ctx)
			if err != nil {
				return err
			}
			policies := eng.ListPolicies()

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(policies)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tTAGS\tDESCRIPTION")
			for _, pol := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
					pol.Name, pol.Severity, pol.Enabled, strings.Join(pol.Tags, ","), pol.Description)
			}
			return tw.Flush()
		},
	}

	return cmd
}
