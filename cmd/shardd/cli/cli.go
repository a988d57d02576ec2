// Package cli builds shardd's cobra command tree: a single replica process
// whose only real job is "run with this config file", following the
// teacher's cobra.Command shape (cmd/empower1d/cli/cli.go) with a "run"
// and an "identity" subcommand in place of the teacher's addblock/printchain
// pair, since a consensus replica has no equivalent offline chain-inspection
// commands.
package cli

import (
	"github.com/spf13/cobra"
)

// NewCLI builds shardd's root command. runFn is invoked with the resolved
// --config flag value; identityFn the same, for the "identity" subcommand.
// main wires both to the daemon's own functions so this package stays free
// of any dependency on the rest of the module.
func NewCLI(runFn func(configPath string) error, identityFn func(configPath string) error) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "shardd",
		Short: "shardd runs one committee replica of a sharded Layer-2 network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFn(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the replica's YAML configuration file")

	rootCmd.AddCommand(newRunCmd(runFn, &configPath))
	rootCmd.AddCommand(newIdentityCmd(identityFn, &configPath))
	return rootCmd
}

// newRunCmd gives the same behavior as the root command its own explicit
// name, so "shardd run --config x.yaml" and bare "shardd --config x.yaml"
// both work.
func newRunCmd(runFn func(configPath string) error, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the replica and block until terminated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFn(*configPath)
		},
	}
}

// newIdentityCmd prints this replica's node id and derived address without
// starting the replica, for operators wiring up a devnet's config.
func newIdentityCmd(identityFn func(configPath string) error, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this replica's node id and human-readable address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return identityFn(*configPath)
		},
	}
}
