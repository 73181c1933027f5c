// Package engine implements the playbook/v0 sequential execution engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ormasoftchile/scanbook/pkg/kernel/dynamic"
	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/fake"
	"github.com/ormasoftchile/scanbook/pkg/kernel/governance"
	"github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	"github.com/ormasoftchile/scanbook/pkg/kernel/security"
	"github.com/ormasoftchile/scanbook/pkg/kernel/trace"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// DefaultMaxAuthDepth bounds nested authentication runs.
const DefaultMaxAuthDepth = 5

// Names of the implicit stage sequences.
const (
	BeforePlaybook = "before"
	AfterPlaybook  = "after"
)

// RunConfig configures a playbook execution.
type RunConfig struct {
	RunID string
	// Vars are user-supplied try-inputs, pushed above the global scope.
	Vars map[string]any
	// Global overlays the document environment, e.g. values from an env file.
	Global    map[string]any
	Transport transport.Transport // nil uses a mock transport
	Trace     *trace.Writer
	Logger    *slog.Logger // nil uses slog.Default()
	// TracerProvider receives run, playbook, stage and auth spans; nil uses
	// the global provider.
	TracerProvider oteltrace.TracerProvider
	// StopOnFailure stops the run at the first failed stage; the stages
	// and playbooks that did not start are reported as pending.
	StopOnFailure bool
	MaxAuthDepth  int               // 0 uses DefaultMaxAuthDepth
	Dynamic       *dynamic.Registry // nil uses crypto/rand and the wall clock
	Fake          *fake.Generator   // nil uses a randomly seeded generator
	// KeepMissing leaves unresolved {{tokens}} in requests instead of
	// blanking them.
	KeepMissing bool
	// Policy decides which requests may be sent; nil allows everything.
	Policy *governance.Policy
}

// RunResult is the outcome of executing a document.
type RunResult struct {
	RunID     string          `json:"runId"`
	Document  string          `json:"document"`
	Status    Status          `json:"status"`
	Execution ExecutionResult `json:"execution"`
	Duration  time.Duration   `json:"duration"`
	Error     error           `json:"-"`
}

// Engine executes playbook/v0 documents. An Engine may run many times;
// every run gets its own environment stack and result tree.
type Engine struct {
	cfg       RunConfig
	doc       *schema.Document
	schemes   map[string]security.Descriptor
	creds     map[string]security.Descriptor
	setupErr  error
	logger    *slog.Logger
	tracer    oteltrace.Tracer
	transport transport.Transport
	dynamic   *dynamic.Registry
	fake      *fake.Generator
}

// New creates an engine for the given document.
func New(doc *schema.Document, cfg RunConfig) *Engine {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.MaxAuthDepth <= 0 {
		cfg.MaxAuthDepth = DefaultMaxAuthDepth
	}
	e := &Engine{
		cfg:       cfg,
		doc:       doc,
		logger:    cfg.Logger,
		transport: cfg.Transport,
		dynamic:   cfg.Dynamic,
		fake:      cfg.Fake,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	e.tracer = tp.Tracer("scanbook/engine")
	e.logger = e.logger.With("run_id", cfg.RunID)
	if e.transport == nil {
		e.transport = &transport.Mock{}
	}
	if e.dynamic == nil {
		e.dynamic = dynamic.New()
	}
	if e.fake == nil {
		e.fake = fake.New(nil)
	}

	var err error
	if e.schemes, err = doc.SchemeDescriptors(); err != nil {
		e.setupErr = err
	} else if e.creds, err = doc.CredentialDescriptors(); err != nil {
		e.setupErr = err
	}
	return e
}

// baseStack builds the scopes every run starts from: built-in constants,
// then the global environment, then try-inputs.
func (e *Engine) baseStack() env.Stack {
	global := maps.Clone(e.doc.Environment)
	if global == nil {
		global = map[string]any{}
	}
	maps.Copy(global, e.cfg.Global)
	return env.NewStack(
		env.NewScope(env.ScopeLocation{Kind: env.ScopeBuiltin}, e.doc.Constants),
		env.NewScope(env.ScopeLocation{Kind: env.ScopeGlobal}, global),
		env.NewScope(env.ScopeLocation{Kind: env.ScopeTry}, e.cfg.Vars),
	)
}

// Run executes the before sequence, the named playbooks (all of them, in
// name order, when none are given) and the after sequence. Sub-failures
// never abort the run; they are recorded in the result tree.
func (e *Engine) Run(ctx context.Context, names ...string) *RunResult {
	start := time.Now()
	res := &RunResult{RunID: e.cfg.RunID, Document: e.doc.Meta.Name, Status: StatusFailure}
	if e.setupErr != nil {
		res.Error = e.setupErr
		return res
	}
	if len(names) == 0 {
		names = e.doc.PlaybookNames()
	}
	for _, n := range names {
		if _, ok := e.doc.Playbooks[n]; !ok {
			res.Error = fmt.Errorf("playbook %q not found", n)
			return res
		}
	}

	ctx, span := e.tracer.Start(ctx, "scanbook.run", oteltrace.WithAttributes(
		attribute.String("run.id", e.cfg.RunID),
		attribute.String("document", e.doc.Meta.Name),
	))
	defer span.End()

	if e.cfg.Trace != nil {
		for _, secret := range e.literalSecrets() {
			e.cfg.Trace.AddSecret(secret)
		}
		e.cfg.Trace.EmitRunStart(e.doc.Meta.Name, names, e.cfg.Vars)
	}
	e.logger.Info("run started", "document", e.doc.Meta.Name, "playbooks", names)

	type sequence struct {
		name   string
		stages []schema.Stage
	}
	var seqs []sequence
	if len(e.doc.Before) > 0 {
		seqs = append(seqs, sequence{BeforePlaybook, e.doc.Before})
	}
	for _, n := range names {
		seqs = append(seqs, sequence{n, e.doc.Playbooks[n].Stages})
	}
	if len(e.doc.After) > 0 {
		seqs = append(seqs, sequence{AfterPlaybook, e.doc.After})
	}

	// before's assignments are visible to every later sequence; each
	// playbook otherwise starts from the same stack.
	stack := e.baseStack()
	halted := false
	for _, seq := range seqs {
		if halted || ctx.Err() != nil {
			res.Execution = append(res.Execution, pendingPlaybook(seq.name, seq.stages, 0))
			continue
		}
		exec, next := e.runPlaybook(ctx, seq.name, seq.stages, stack, 0, nil)
		res.Execution = append(res.Execution, exec...)
		if seq.name == BeforePlaybook {
			stack = next
		}
		if e.cfg.StopOnFailure && exec[0].Status == StatusFailure {
			halted = true
		}
	}

	res.Status = res.Execution.Status()
	if err := ctx.Err(); err != nil {
		res.Error = err
	}
	res.Duration = time.Since(start)
	if res.Status == StatusFailure {
		span.SetStatus(codes.Error, "run failed")
	}
	if e.cfg.Trace != nil {
		e.cfg.Trace.EmitRunComplete(string(res.Status), res.Duration)
	}
	e.logger.Info("run complete", "status", res.Status, "duration", res.Duration)
	return res
}

// runPlaybook executes stages strictly in order. It returns the playbook's
// result followed by every nested authentication run, and the stack
// extended with each stage's assignment scope.
func (e *Engine) runPlaybook(ctx context.Context, name string, stages []schema.Stage, stack env.Stack, depth int, chain []string) (ExecutionResult, env.Stack) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "scanbook.playbook", oteltrace.WithAttributes(
		attribute.String("playbook", name),
		attribute.Int("depth", depth),
	))
	defer span.End()

	pb := &PlaybookResult{Playbook: name, Depth: depth}
	exec := ExecutionResult{pb}
	log := e.logger.With("playbook", name, "depth", depth)
	if e.cfg.Trace != nil {
		e.cfg.Trace.EmitPlaybookStart(name, depth)
	}

	halted := false
	for i, st := range stages {
		if halted || ctx.Err() != nil {
			pb.Results = append(pb.Results, pendingStage(name, i, st))
			continue
		}
		r, nested, next := e.runStage(ctx, name, i, st, stack, depth, chain)
		pb.Results = append(pb.Results, r)
		exec = append(exec, nested...)
		stack = next
		if r.Status == StatusFailure {
			log.Warn("stage failed", "stage", r.Stage, "error", r.Failure().Message)
			if e.cfg.StopOnFailure {
				halted = true
			}
		}
	}

	pb.summarize()
	pb.Duration = time.Since(start)
	span.SetAttributes(attribute.String("status", string(pb.Status)))
	if pb.Status == StatusFailure {
		span.SetStatus(codes.Error, "playbook failed")
	}
	if e.cfg.Trace != nil {
		e.cfg.Trace.EmitPlaybookComplete(name, string(pb.Status), pb.Duration)
	}
	log.Debug("playbook complete", "status", pb.Status)
	return exec, stack
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func pendingStage(playbook string, i int, st schema.Stage) *OperationResult {
	return &OperationResult{
		Playbook:  playbook,
		Index:     i,
		Stage:     st.Name(),
		Operation: st.Operation,
		Status:    StatusPending,
	}
}

func pendingPlaybook(name string, stages []schema.Stage, depth int) *PlaybookResult {
	pb := &PlaybookResult{Playbook: name, Depth: depth, Status: StatusPending}
	for i, st := range stages {
		pb.Results = append(pb.Results, pendingStage(name, i, st))
	}
	if len(stages) == 0 {
		pb.Status = StatusSuccess
	}
	return pb
}

// literalSecrets lists credential values that contain no template tokens.
func (e *Engine) literalSecrets() []string {
	var out []string
	for _, name := range slices.Sorted(maps.Keys(e.doc.Credentials)) {
		for _, m := range e.doc.Credentials[name].Methods {
			if m.Value != "" && !containsToken(m.Value) {
				out = append(out, m.Value)
			}
		}
	}
	return out
}
