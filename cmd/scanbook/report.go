package main

import (
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/scanbook/pkg/kernel/engine"
	"github.com/ormasoftchile/scanbook/pkg/report"
)

var (
	reportRunsDir string
	reportJSON    bool
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Render a result saved with 'scanbook run --save'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine.LoadResult(reportRunsDir, args[0])
		if err != nil {
			return err
		}
		if reportJSON {
			return report.JSON(cmd.OutOrStdout(), res)
		}
		return report.Text(cmd.OutOrStdout(), res, report.Options{Verbose: verbose})
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportRunsDir, "runs-dir", engine.RunsDir, "Directory results were saved to")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the result tree as JSON")
}
