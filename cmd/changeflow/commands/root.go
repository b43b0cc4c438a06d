package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changeflow/pkg/api"
)

// DefaultServerURL is used when neither --server nor CHANGEFLOW_SERVER is set.
const DefaultServerURL = "http://127.0.0.1:8080"

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "changeflow",
		Short: "changeflow - governed infrastructure change orchestration",
		Long: `changeflow turns infrastructure intents into change requests and drives
them through a gated lifecycle before anything is applied.

A change request is resolved to a blueprint, planned by the runner, checked
by the gate sequence (structural, policy and cost), approved by someone other
than its requester, and only then applied under a workspace lock. Every
transition is recorded in an append-only audit log.

Run 'changeflow serve' to start the server; the other commands talk to it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("CHANGEFLOW_SERVER")
	if defaultServer == "" {
		defaultServer = DefaultServerURL
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer, "changeflow server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAdvanceCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newAmendCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newGatesCommand())
	rootCmd.AddCommand(newLocksCommand())
	rootCmd.AddCommand(newTargetsCommand())

	return rootCmd
}

func client() *api.Client {
	return api.NewClient(serverURL, nil)
}
