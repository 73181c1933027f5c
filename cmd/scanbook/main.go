// Package main provides the scanbook CLI:
//
//	scanbook validate <file>
//	scanbook run <file> [playbook...]
//	scanbook test <file...>
//	scanbook report <run-id>
//	scanbook trace verify <trace.jsonl>
//	scanbook schema
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	kschema "github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	kvalidate "github.com/ormasoftchile/scanbook/pkg/kernel/validate"
)

var (
	version = "dev"
	commit  = "unknown"
)

var verbose bool

func main() {
	_ = godotenv.Load() // .env in the working directory, if present; never overrides the environment
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scanbook",
	Short:        "Playbook execution engine for HTTP APIs",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [playbook.yaml]",
	Short: "Validate a playbook/v0 document (structural, semantic, domain)",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	doc, err := validateDocument(cmd, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d playbooks, %d operations)\n", doc.Meta.Name, len(doc.Playbooks), len(doc.Operations))
	return nil
}

// validateDocument runs the validation pipeline, printing warnings and
// errors to stderr. It fails when any error is found.
func validateDocument(cmd *cobra.Command, path string) (*kschema.Document, error) {
	doc, errs := kvalidate.ValidateFile(path)
	stderr := cmd.ErrOrStderr()
	var errors []*kvalidate.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(stderr, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(stderr, "    at: %s\n", e.Path)
			}
			continue
		}
		errors = append(errors, e)
	}
	if len(errors) > 0 {
		fmt.Fprintf(stderr, "Validation failed: %d error(s)\n\n", len(errors))
		for i, e := range errors {
			fmt.Fprintf(stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(stderr, "     at: %s\n", e.Path)
			}
		}
		return nil, fmt.Errorf("validation failed with %d error(s)", len(errors))
	}
	return doc, nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the playbook/v0 JSON Schema to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := kschema.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scanbook playbook/v0 %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
