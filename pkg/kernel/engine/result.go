package engine

import (
	"time"

	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
	"github.com/ormasoftchile/scanbook/pkg/kernel/security"
	"github.com/ormasoftchile/scanbook/pkg/kernel/trace"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// Status is the outcome of a stage or playbook.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Failure kinds of a stage.
const (
	FailurePrepare  = "httpRequestPrepareError"
	FailureHTTP     = "httpError"
	FailureResponse = "responseProcessingError"
)

// OperationResult is the outcome of one stage. Exactly one is produced per
// stage, whatever happened.
type OperationResult struct {
	Playbook  string `json:"playbook"`
	Index     int    `json:"index"`
	Stage     string `json:"stage"`
	Operation string `json:"operation,omitempty"`
	Status    Status `json:"status"`

	Request  *transport.Request  `json:"request,omitempty"`
	Response *transport.Response `json:"response,omitempty"`

	// Security is the credential match for the operation; Auth holds one
	// entry per scheme of the active alternative.
	Security *security.Result                 `json:"security,omitempty"`
	Auth     map[string]*AuthenticationResult `json:"auth,omitempty"`

	VariablesReplaced eval.Replacements        `json:"variablesReplaced"`
	VariablesAssigned []env.VariableAssignment `json:"variablesAssigned,omitempty"`
	// ResponseCode is the handler key that matched: a status code or "default".
	ResponseCode string `json:"responseCode,omitempty"`

	HTTPRequestPrepareError string `json:"httpRequestPrepareError,omitempty"`
	HTTPError               string `json:"httpError,omitempty"`
	ResponseProcessingError string `json:"responseProcessingError,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Failure returns the populated failure, or nil.
func (r *OperationResult) Failure() *trace.Failure {
	switch {
	case r.HTTPRequestPrepareError != "":
		return &trace.Failure{Kind: FailurePrepare, Message: r.HTTPRequestPrepareError}
	case r.HTTPError != "":
		return &trace.Failure{Kind: FailureHTTP, Message: r.HTTPError}
	case r.ResponseProcessingError != "":
		return &trace.Failure{Kind: FailureResponse, Message: r.ResponseProcessingError}
	}
	return nil
}

// PlaybookResult is one executed stage sequence: a named playbook, the
// before/after sequences, or a nested authentication run.
type PlaybookResult struct {
	Playbook string             `json:"playbook"`
	Depth    int                `json:"depth"` // 0 for top-level runs
	Status   Status             `json:"status"`
	Results  []*OperationResult `json:"results"`
	Duration time.Duration      `json:"duration"`
}

// summarize derives the playbook status from its stages: any failure fails
// the playbook; otherwise any pending stage leaves it pending.
func (p *PlaybookResult) summarize() {
	p.Status = StatusSuccess
	for _, r := range p.Results {
		switch r.Status {
		case StatusFailure:
			p.Status = StatusFailure
			return
		case StatusPending:
			p.Status = StatusPending
		}
	}
}

// ExecutionResult lists every playbook run in invocation order: each
// playbook is followed by the authentication runs its stages triggered.
type ExecutionResult []*PlaybookResult

// TopLevel returns the depth-0 playbooks.
func (x ExecutionResult) TopLevel() []*PlaybookResult {
	var out []*PlaybookResult
	for _, p := range x {
		if p.Depth == 0 {
			out = append(out, p)
		}
	}
	return out
}

// Status summarizes the top-level playbooks.
func (x ExecutionResult) Status() Status {
	s := StatusSuccess
	for _, p := range x.TopLevel() {
		switch p.Status {
		case StatusFailure:
			return StatusFailure
		case StatusPending:
			s = StatusPending
		}
	}
	return s
}

// Find returns the first playbook with the given name.
func (x ExecutionResult) Find(name string) *PlaybookResult {
	for _, p := range x {
		if p.Playbook == name {
			return p
		}
	}
	return nil
}

// AuthenticationResult is the outcome of resolving one credential for one
// scheme of a stage.
type AuthenticationResult struct {
	Scheme     string `json:"scheme"`
	Credential string `json:"credential,omitempty"`
	Method     string `json:"method,omitempty"`
	// Execution holds the token-fetch run and the runs it triggered.
	Execution ExecutionResult `json:"execution,omitempty"`
	Result    string          `json:"result,omitempty"`
	Variables *AuthVariables  `json:"variables,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AuthVariables records how the credential value template was resolved.
type AuthVariables struct {
	Stack   env.Stack      `json:"stack"`
	Found   []eval.Found   `json:"found,omitempty"`
	Missing []eval.Missing `json:"missing,omitempty"`
}
