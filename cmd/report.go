package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [experiment]",
		Short: "Summarize stored repeat results per optimizer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := experiment.DefaultName
			if len(args) > 0 {
				name = args[0]
			}
			rc := experiment.New(flagExperiments, name, flagSeed)
			return report.Generate(rc.RepeatsDir(), flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}
