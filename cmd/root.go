package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/hporun/internal/experiment"
)

var (
	flagExperiments string
	flagSeed        int64
	flagLogLevel    string
	flagLogFormat   string
)

// NewRootCmd builds the CLI. Invoked without a subcommand it runs a single
// experiment, mnist_simple unless one is named.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hporun [experiment]",
		Short:        "Budget-guarded hyperparameter optimization over several backends",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         runExperiments,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flagExperiments, "experiments", experiment.DefaultRoot, "experiments root directory")
	pf.Int64Var(&flagSeed, "seed", experiment.DefaultSeed, "run seed (hp_optimizer.seed overrides it)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (default: the most verbose log_level among the experiments run)")
	pf.StringVar(&flagLogFormat, "log-format", "text", "text or json")
	addRunFlags(root.Flags())

	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newValidateCmd())
	return root
}
