package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/changeflow/pkg/config"
	"github.com/openfroyo/changeflow/pkg/engine"
)

func newTargetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Work with target config files",
		Long: `Target configs are CUE files declaring the regions, budget and rules
gates evaluate a change request against:

  targets: prod: {
    allowed_regions: ["us-east-1"]
    monthly_budget:  2000
    mandatory_tags:  ["owner", "cost-center"]
  }

These commands read the files locally; no server is needed.`,
	}

	cmd.AddCommand(newTargetsValidateCommand())

	return cmd
}

func newTargetsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate target config files",
		Long: `Validate every *.cue file in a directory against the target config schema
and print the resulting configs with their content versions.`,
		Example: `  # Validate ./targets
  changeflow targets validate

  # Validate another directory and print the configs as JSON
  changeflow targets validate /etc/changeflow/targets --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "targets"
			if len(args) > 0 {
				dir = args[0]
			}

			store := config.NewTargetStore(dir, log.Logger)
			if err := store.Load(); err != nil {
				return err
			}

			configs := make([]*engine.TargetConfig, 0, len(store.IDs()))
			for _, id := range store.IDs() {
				cfg, err := store.TargetConfig(context.Background(), id)
				if err != nil {
					return err
				}
				configs = append(configs, cfg)
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, configs)
			}
			tw := table(w, "ID", "REGIONS", "BUDGET", "VERSION")
			for _, cfg := range configs {
				fmt.Fprintf(tw, "%s\t%v\t%s\t%.12s\n", cfg.ID, cfg.AllowedRegions, cfg.MonthlyBudget.String(), cfg.Version)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(w, "%d target config(s) valid\n", len(configs))
			return nil
		},
	}
}
