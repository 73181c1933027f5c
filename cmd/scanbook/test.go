package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	kschema "github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	ktesting "github.com/ormasoftchile/scanbook/pkg/kernel/testing"
)

var (
	testScenario string
	testJSON     bool
	testFailFast bool
	testTimeout  time.Duration
)

var testCmd = &cobra.Command{
	Use:   "test [playbook.yaml...]",
	Short: "Run scenario replay tests with assertions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	allPassed := true

	for _, filePath := range args {
		runner := &ktesting.Runner{
			Timeout:  testTimeout,
			FailFast: testFailFast,
		}
		proj, err := kschema.DiscoverProject(filePath)
		if err != nil {
			return fmt.Errorf("discover project: %w", err)
		}
		if proj != nil && proj.Paths.Scenarios != "" {
			runner.ScenariosDir = filepath.Join(proj.Root, proj.ScenariosDir())
		}

		var output *ktesting.TestOutput
		if testScenario != "" {
			result, err := runner.RunScenario(cmd.Context(), filePath, testScenario)
			if err != nil {
				return err
			}
			output = &ktesting.TestOutput{
				Document:  result.Document,
				Scenarios: []ktesting.TestResult{*result},
				Summary:   ktesting.TestSummary{Total: 1},
			}
			switch result.Status {
			case "passed":
				output.Summary.Passed = 1
			case "failed":
				output.Summary.Failed = 1
			case "skipped":
				output.Summary.Skipped = 1
			case "error":
				output.Summary.Errors = 1
			}
		} else {
			output, err = runner.RunAll(cmd.Context(), filePath)
			if err != nil {
				return err
			}
		}

		if testJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(output); err != nil {
				return err
			}
		} else {
			printTestOutput(cmd.OutOrStdout(), output)
		}

		if output.Summary.Failed > 0 || output.Summary.Errors > 0 {
			allPassed = false
		}
	}

	if !allPassed {
		return fmt.Errorf("tests failed")
	}
	return nil
}

func printTestOutput(w io.Writer, output *ktesting.TestOutput) {
	fmt.Fprintf(w, "\n  %s\n", output.Document)
	for _, s := range output.Scenarios {
		icon := "✓"
		switch s.Status {
		case "failed":
			icon = "✗"
		case "error":
			icon = "!"
		case "skipped":
			icon = "○"
		}
		fmt.Fprintf(w, "    %s %s (%dms)\n", icon, s.ScenarioName, s.DurationMs)
		if s.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", s.Error)
		}
		for _, a := range s.Assertions {
			if !a.Passed {
				fmt.Fprintf(w, "      ✗ %s: %s\n", a.Type, a.Message)
			}
		}
	}
	fmt.Fprintf(w, "\n  %d passed, %d failed, %d skipped, %d errors (total: %d)\n",
		output.Summary.Passed, output.Summary.Failed, output.Summary.Skipped, output.Summary.Errors, output.Summary.Total)
}

func init() {
	testCmd.Flags().StringVar(&testScenario, "scenario", "", "Run only the named scenario (default: all)")
	testCmd.Flags().BoolVar(&testJSON, "json", false, "Output results as JSON")
	testCmd.Flags().BoolVar(&testFailFast, "fail-fast", false, "Stop after first failure")
	testCmd.Flags().DurationVar(&testTimeout, "timeout", 30*time.Second, "Per-scenario timeout")
}
