// Package commands defines all Cobra CLI commands for the conduit binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/corvuslabs/conduit-go/internal/audit"
	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conduit",
		Short: "Multi-tenant document ingestion and evidence-gated RAG",
		Long: `Conduit ingests documents through a staged pipeline (parse, PII/DQ,
enrich, chunk+embed, index) and answers questions over the indexed corpus
with hybrid retrieval, an evidence gate, and an optional risk simulation.

Configuration is read from the environment, layered over an optional YAML
config file (~/.conduit/config.yaml) and a local .env.
See 'conduit --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A local .env is a development convenience; absence is normal.
			_ = godotenv.Load()

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.conduit/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewWorkerCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
