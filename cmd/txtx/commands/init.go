package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/txtx/txtx/pkg/addons/mock"
	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/stores"
)

const manifestTemplate = `manifest: {
	project: %q
	runbooks: [{
		name:        "transfer"
		location:    "runbooks/transfer"
		description: "Transfer funds with a development signer"
	}]
	environments: {
		development: {
			secret_key: %q
			recipient:  %q
		}
	}
	default_environment: "development"
	nonce_policy:        "queue"
	policies: ["policies"]
}
`

const runbookTemplate = `variable: recipient: {
	value:       "${env.recipient}"
	description: "Address receiving the transfer"
}

signer: alice: {
	type:       "mock::secret_key"
	secret_key: "${env.secret_key}"
}

action: transfer: {
	type:      "mock::send_transaction"
	signer:    "${signer.alice}"
	recipient: "${variable.recipient}"
	amount:    100
}

output: tx_hash: {
	value:       "${action.transfer.tx_hash}"
	description: "Hash of the transfer"
}
`

const policyTemplate = `# Transfers above one million units need a dedicated runbook
# severity: error
package txtx.custom.transfer_limit

import rego.v1

deny contains violation if {
	some c in input.constructs
	c.kind == "action"
	c.block.amount > 1000000
	violation := {
		"message": sprintf("%s transfers more than 1000000", [c.label]),
		"construct": c.did,
		"label": c.label,
	}
}
`

func newInitCommand() *cobra.Command {
	var (
		project string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a txtx workspace",
		Long: `Initialize a new txtx workspace with a manifest, a sample runbook, a
sample policy and the state database.

The development environment gets a freshly generated signer key so the
sample runbook can run against the mock network right away.`,
		Example: `  # Initialize the current directory
  txtx init

  # Initialize a new directory with a project name
  txtx init treasury --project treasury`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if project == "" {
				abs, err := filepath.Abs(dir)
				if err != nil {
					return err
				}
				project = filepath.Base(abs)
			}

			log.Info().
				Str("dir", dir).
				Str("project", project).
				Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initializing txtx workspace in %s\n\n", dir)

			manifestFile := filepath.Join(dir, config.ManifestFile)
			if _, err := os.Stat(manifestFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", manifestFile)
			}

			dirs := []string{
				filepath.Join(dir, "runbooks", "transfer"),
				filepath.Join(dir, "policies"),
			}
			for _, d := range dirs {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", d)
			}

			_, signerKey, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate signer key: %w", err)
			}
			recipient, _, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate recipient key: %w", err)
			}

			files := []struct {
				path    string
				content string
				mode    os.FileMode
			}{
				{
					path:    manifestFile,
					content: fmt.Sprintf(manifestTemplate, project, mock.EncodeHex(signerKey.Seed()), mock.Address(recipient)),
					mode:    0o600,
				},
				{path: filepath.Join(dir, "runbooks", "transfer", "main.cue"), content: runbookTemplate, mode: 0o644},
				{path: filepath.Join(dir, "policies", "transfer_limit.rego"), content: policyTemplate, mode: 0o644},
			}
			for _, f := range files {
				if err := os.WriteFile(f.path, []byte(f.content), f.mode); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.path, err)
				}
				fmt.Fprintf(out, "✓ Created file: %s\n", f.path)
			}

			// State is per machine.
			ignore := filepath.Join(dir, ".gitignore")
			if _, err := os.Stat(ignore); os.IsNotExist(err) {
				if err := os.WriteFile(ignore, []byte(".txtx/\n"), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", ignore, err)
				}
			}

			runtime, err := config.LoadRuntimeConfig()
			if err != nil {
				return err
			}
			dbPath := runtime.StatePath
			if !filepath.IsAbs(dbPath) {
				dbPath = filepath.Join(dir, dbPath)
			}
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("failed to create state directory: %w", err)
			}
			store, err := stores.Open(ctx, stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized state database: %s\n", dbPath)

			fmt.Fprintf(out, "\nWorkspace ready. Next steps:\n")
			fmt.Fprintf(out, "  txtx check transfer\n")
			fmt.Fprintf(out, "  txtx run transfer\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name (defaults to the directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing manifest")

	return cmd
}
