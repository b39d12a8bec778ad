package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/runner"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [experiment...]",
		Short: "Check experiment configs without training",
		Long:  "Load each experiment's config.yaml and run the checks a run performs before its first trial: structure, parameter types and optimizer name. With no arguments every experiment under --experiments is checked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				var err error
				if names, err = experiment.List(flagExperiments); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			var errs []error
			for _, name := range names {
				rc := experiment.New(flagExperiments, name, flagSeed)
				cfg, err := config.Load(rc.ConfigPath())
				if err == nil {
					_, err = runner.Validate(cfg)
				}
				if err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
					errs = append(errs, fmt.Errorf("experiment %s: %w", name, err))
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s, %d params, budget %g)\n",
					name, cfg.HPOptimizer.Name, len(cfg.TunableParams), cfg.TotalBudget())
			}
			return errors.Join(errs...)
		},
	}
}
