package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ormasoftchile/scanbook/pkg/ecosystem/recorder"
	"github.com/ormasoftchile/scanbook/pkg/kernel/engine"
	"github.com/ormasoftchile/scanbook/pkg/kernel/replay"
	kschema "github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	"github.com/ormasoftchile/scanbook/pkg/kernel/trace"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
	"github.com/ormasoftchile/scanbook/pkg/report"
)

// runOptions holds the run flags after project defaults are applied.
type runOptions struct {
	Vars            []string
	EnvFile         string
	Transport       string
	Scenario        string
	Record          string
	RedactEnv       []string
	RequestTimeout  time.Duration
	RunTimeout      time.Duration
	MaxBodyBytes    int64
	Insecure        bool
	FollowRedirects bool
	StopOnFailure   bool
	KeepMissing     bool
	MaxAuthDepth    int
	Trace           string
	JSON            bool
	Save            bool
	RunsDir         string
}

var runOpts runOptions

// DefaultRequestTimeout bounds one HTTP exchange when no flag or project
// default sets it.
const DefaultRequestTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [playbook.yaml] [playbook...]",
	Short: "Run playbooks of a document (all of them when none are named)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	path, names := args[0], args[1:]

	doc, err := validateDocument(cmd, path)
	if err != nil {
		return err
	}
	proj, err := kschema.DiscoverProject(path)
	if err != nil {
		return fmt.Errorf("discover project: %w", err)
	}
	opts, err := runOpts.withProject(cmd.Flags(), proj)
	if err != nil {
		return err
	}

	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}
	if proj != nil {
		for k, v := range proj.Defaults.Vars {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	global, secrets, err := loadEnvFile(opts.EnvFile)
	if err != nil {
		return err
	}
	for _, name := range opts.RedactEnv {
		if v := os.Getenv(name); v != "" {
			secrets = append(secrets, v)
		}
	}

	tr, scenario, err := buildTransport(opts)
	if err != nil {
		return err
	}
	if scenario != nil {
		for k, v := range scenario.Inputs {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	var rec *recorder.Recorder
	if opts.Record != "" {
		rec = recorder.New(tr)
		rec.SetInputs(vars)
		for _, s := range secrets {
			rec.AddSecret(s)
		}
		tr = rec
	}

	runID := uuid.NewString()
	var tw *trace.Writer
	if opts.Trace != "" {
		tw, err = trace.NewFileWriter(opts.Trace, runID)
		if err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		defer tw.Close()
		if key := os.Getenv(trace.SigningKeyEnv); key != "" {
			tw.SetSigningKey(os.Getenv(trace.SigningKeyIDEnv), []byte(key))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	cfg := engine.RunConfig{
		RunID:         runID,
		Vars:          vars,
		Global:        global,
		Transport:     tr,
		Trace:         tw,
		StopOnFailure: opts.StopOnFailure,
		MaxAuthDepth:  opts.MaxAuthDepth,
		KeepMissing:   opts.KeepMissing,
	}
	if proj != nil {
		cfg.Policy = proj.Policy
	}
	if tw != nil {
		for _, s := range secrets {
			tw.AddSecret(s)
		}
	}

	res := engine.New(doc, cfg).Run(ctx, names...)

	if rec != nil {
		saved, err := rec.Save(opts.Record)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "recorded scenario: %s\n", saved)
	}
	if opts.Save {
		saved, err := engine.SaveResult(opts.RunsDir, res)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "saved result: %s\n", saved)
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		err = report.JSON(out, res)
	} else {
		err = report.Text(out, res, report.Options{Verbose: verbose})
	}
	if err != nil {
		return err
	}

	if res.Error != nil {
		return res.Error
	}
	if res.Status == engine.StatusFailure {
		return fmt.Errorf("run %s failed", res.RunID)
	}
	return nil
}

// withProject fills options the user did not set on the command line from
// the project defaults.
func (o runOptions) withProject(flags *pflag.FlagSet, proj *kschema.Project) (runOptions, error) {
	if proj == nil {
		return o, nil
	}
	d := proj.Defaults
	if !flags.Changed("transport") && d.Transport != "" {
		o.Transport = d.Transport
	}
	if !flags.Changed("request-timeout") {
		t, err := proj.RequestTimeoutDuration()
		if err != nil {
			return o, err
		}
		if t > 0 {
			o.RequestTimeout = t
		}
	}
	if !flags.Changed("run-timeout") {
		t, err := proj.RunTimeoutDuration()
		if err != nil {
			return o, err
		}
		if t > 0 {
			o.RunTimeout = t
		}
	}
	if !flags.Changed("insecure") && d.Insecure {
		o.Insecure = true
	}
	if !flags.Changed("follow-redirects") && d.FollowRedirects {
		o.FollowRedirects = true
	}
	if !flags.Changed("stop-on-failure") && d.StopOnFailure {
		o.StopOnFailure = true
	}
	if !flags.Changed("max-auth-depth") && d.MaxAuthDepth > 0 {
		o.MaxAuthDepth = d.MaxAuthDepth
	}
	if !flags.Changed("env-file") && d.EnvFile != "" {
		o.EnvFile = proj.EnvFilePath()
	}
	if !flags.Changed("runs-dir") {
		o.RunsDir = filepath.Join(proj.Root, engine.RunsDir)
	}
	return o, nil
}

// parseVars parses repeated key=value flags.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, v := range pairs {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		vars[key] = value
	}
	return vars, nil
}

// loadEnvFile reads a dotenv file into the global scope. It also returns
// the values, which are treated as secrets.
func loadEnvFile(path string) (map[string]any, []string, error) {
	if path == "" {
		return nil, nil, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, nil, fmt.Errorf("env file: %w", err)
	}
	global := make(map[string]any, len(env))
	var secrets []string
	for _, k := range slices.Sorted(maps.Keys(env)) {
		global[k] = env[k]
		secrets = append(secrets, env[k])
	}
	return global, secrets, nil
}

// buildTransport picks the transport named by --transport.
func buildTransport(o runOptions) (transport.Transport, *replay.Scenario, error) {
	switch o.Transport {
	case "", "http":
		return transport.NewHTTP(transport.HTTPConfig{
			Timeout:         o.RequestTimeout,
			Insecure:        o.Insecure,
			FollowRedirects: o.FollowRedirects,
			MaxBodyBytes:    o.MaxBodyBytes,
		}), nil, nil
	case "mock":
		return &transport.Mock{}, nil, nil
	case "replay":
		if o.Scenario == "" {
			return nil, nil, fmt.Errorf("--transport replay requires --scenario")
		}
		load := replay.LoadScenario
		if info, err := os.Stat(o.Scenario); err == nil && info.IsDir() {
			load = replay.LoadScenarioDir
		}
		s, err := load(o.Scenario)
		if err != nil {
			return nil, nil, err
		}
		return replay.NewTransport(s), s, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q: use http, mock or replay", o.Transport)
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVar(&runOpts.Vars, "var", nil, "Set a try-input variable (key=value), repeatable")
	f.StringVar(&runOpts.EnvFile, "env-file", "", "Load the global environment from a dotenv file")
	f.StringVar(&runOpts.Transport, "transport", "http", "Transport: http, mock or replay")
	f.StringVar(&runOpts.Scenario, "scenario", "", "Scenario file or directory for the replay transport")
	f.StringVar(&runOpts.Record, "record", "", "Record live exchanges as a replay scenario in this directory")
	f.StringSliceVar(&runOpts.RedactEnv, "redact-env", nil, "Environment variables whose values are redacted from traces and recordings")
	f.DurationVar(&runOpts.RequestTimeout, "request-timeout", DefaultRequestTimeout, "Timeout of one HTTP exchange; a timed-out stage fails and the run continues (0 = none)")
	f.DurationVar(&runOpts.RunTimeout, "run-timeout", 0, "Timeout of the whole run; stages not reached stay pending (0 = none)")
	f.Int64Var(&runOpts.MaxBodyBytes, "max-body-bytes", transport.DefaultMaxBodyBytes, "Largest response body read, in bytes")
	f.BoolVar(&runOpts.Insecure, "insecure", false, "Skip TLS certificate verification")
	f.BoolVar(&runOpts.FollowRedirects, "follow-redirects", false, "Follow HTTP redirects")
	f.BoolVar(&runOpts.StopOnFailure, "stop-on-failure", false, "Stop at the first failed stage")
	f.BoolVar(&runOpts.KeepMissing, "keep-missing", false, "Leave unresolved {{variables}} in requests")
	f.IntVar(&runOpts.MaxAuthDepth, "max-auth-depth", engine.DefaultMaxAuthDepth, "Maximum nesting of authentication playbooks")
	f.StringVar(&runOpts.Trace, "trace", "", "Append a JSONL trace to this file")
	f.BoolVar(&runOpts.JSON, "json", false, "Print the result tree as JSON")
	f.BoolVar(&runOpts.Save, "save", false, "Save the result for 'scanbook report'")
	f.StringVar(&runOpts.RunsDir, "runs-dir", engine.RunsDir, "Directory saved results are written to")
}
