package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments and their optimizers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := experiment.List(flagExperiments)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Experiments:")
			for _, name := range names {
				rc := experiment.New(flagExperiments, name, flagSeed)
				cfg, err := config.Load(rc.ConfigPath())
				if err != nil {
					fmt.Fprintf(out, "  - %s (invalid: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(out, "  - %s (optimizer: %s, repeats: %d, budget: %d x %d epochs)\n",
					name, cfg.HPOptimizer.Name, cfg.HPOptimizer.HPORepeats, cfg.HPOptimizer.Budget, cfg.Epochs())
			}
			return nil
		},
	}
}
