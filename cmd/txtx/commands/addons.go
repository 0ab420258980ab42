package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAddonsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addons",
		Short: "Inspect addons",
	}

	cmd.AddCommand(newAddonsListCommand())

	return cmd
}

func newAddonsListCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the specifications of every registered addon",
		Long: `List the command and signer specifications available to runbooks: the
std and mock addons and the WASM addons found in the manifest's addons
directory.`,
		Example: `  # List every specification
  txtx addons list

  # Only the std namespace, with inputs and outputs
  txtx addons list --namespace std --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadProject(ctx, manifestPath)
			if err != nil {
				return err
			}
			defer p.close(context.WithoutCancel(ctx))

			docs := p.registry.List()
			if namespace != "" {
				filtered := docs[:0]
				for _, d := range docs {
					if d.Namespace == namespace {
						filtered = append(filtered, d)
					}
				}
				docs = filtered
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(docs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tKIND\tSIGNED\tDOCUMENTATION")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s::%s\t%s\t%t\t%s\n", d.Namespace, d.Matcher, d.Kind, d.Signed, d.Documentation)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "only list this namespace")

	return cmd
}
