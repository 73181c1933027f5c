// Package trace implements the append-only, hash-chained JSONL audit trail
// of a playbook run.
package trace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// EventType enumerates all trace event types.
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventRunComplete       EventType = "run_complete"
	EventPlaybookStart     EventType = "playbook_start"
	EventPlaybookComplete  EventType = "playbook_complete"
	EventStageStart        EventType = "stage_start"
	EventStageComplete     EventType = "stage_complete"
	EventAuthResolved      EventType = "auth_resolved"
	EventVariablesAssigned EventType = "variables_assigned"
	EventVariablesMissing  EventType = "variables_missing"
)

// SigningKeyEnv names the environment variable holding the HMAC key used to
// sign and verify the chain hash.
const SigningKeyEnv = "SCANBOOK_TRACE_SIGNING_KEY"

// SigningKeyIDEnv optionally names the signing key in run_complete.
const SigningKeyIDEnv = "SCANBOOK_TRACE_SIGNING_KEY_ID"

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	PrevHash  string         `json:"prev_hash"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure describes why a stage failed.
type Failure struct {
	Kind    string `json:"kind"` // httpRequestPrepareError, httpError, responseProcessingError
	Message string `json:"message"`
}

// Redacted replaces secret values in emitted events.
const Redacted = "<REDACTED>"

var genesis = strings.Repeat("0", 64)

// Writer writes trace events to an append-only JSONL stream. Every event
// carries the SHA-256 of the previous line.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	runID    string
	prevHash string
	secrets  []string
	keyID    string
	key      []byte
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{w: w, runID: runID, prevHash: genesis}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID)
	tw.closer = f
	return tw, nil
}

// Close closes the underlying file, if the writer owns one.
func (tw *Writer) Close() error {
	if tw.closer == nil {
		return nil
	}
	return tw.closer.Close()
}

// SetSecrets configures literal values to redact from every event.
func (tw *Writer) SetSecrets(values []string) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.secrets = nil
	for _, v := range values {
		if v != "" {
			tw.secrets = append(tw.secrets, v)
		}
	}
}

// AddSecret adds one value to redact, e.g. a token obtained mid-run.
func (tw *Writer) AddSecret(v string) {
	if v == "" {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.secrets = append(tw.secrets, v)
}

// SetSigningKey makes run_complete carry an HMAC-SHA256 signature of the
// chain hash.
func (tw *Writer) SetSigningKey(keyID string, key []byte) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.keyID, tw.key = keyID, key
}

// RedactSecrets replaces secret values in a string with "<REDACTED>".
func (tw *Writer) RedactSecrets(s string) string {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.redactString(s)
}

func (tw *Writer) redactString(s string) string {
	for _, secret := range tw.secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}

func (tw *Writer) redact(v any) any {
	if len(tw.secrets) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		return tw.redactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = tw.redact(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = tw.redact(item)
		}
		return out
	}
	return v
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.emitLocked(eventType, data)
}

func (tw *Writer) emitLocked(eventType EventType, data map[string]any) error {
	if data != nil {
		data, _ = tw.redact(data).(map[string]any)
	}
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		PrevHash:  tw.prevHash,
		Data:      data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	if _, err := tw.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	h := sha256.Sum256(line)
	tw.prevHash = hex.EncodeToString(h[:])
	return nil
}

// EmitRunStart emits a run_start event.
func (tw *Writer) EmitRunStart(document string, playbooks []string, vars map[string]any) error {
	data := map[string]any{
		"document":  document,
		"playbooks": playbooks,
	}
	if vars != nil {
		data["vars"] = vars
	}
	return tw.Emit(EventRunStart, data)
}

// EmitRunComplete emits a run_complete event carrying the chain hash of all
// preceding events, signed when a key is set.
func (tw *Writer) EmitRunComplete(status string, duration time.Duration) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	data := map[string]any{
		"status":     status,
		"duration":   duration.String(),
		"chain_hash": tw.prevHash,
	}
	if len(tw.key) > 0 {
		mac := hmac.New(sha256.New, tw.key)
		mac.Write([]byte(tw.prevHash))
		data["signature"] = hex.EncodeToString(mac.Sum(nil))
		data["signing_key_id"] = tw.keyID
	}
	return tw.emitLocked(EventRunComplete, data)
}

// EmitPlaybookStart emits a playbook_start event. depth is 0 for top-level
// playbooks and grows with each nested authentication run.
func (tw *Writer) EmitPlaybookStart(playbook string, depth int) error {
	return tw.Emit(EventPlaybookStart, map[string]any{
		"playbook": playbook,
		"depth":    depth,
	})
}

// EmitPlaybookComplete emits a playbook_complete event.
func (tw *Writer) EmitPlaybookComplete(playbook, status string, duration time.Duration) error {
	return tw.Emit(EventPlaybookComplete, map[string]any{
		"playbook": playbook,
		"status":   status,
		"duration": duration.String(),
	})
}

// EmitStageStart emits a stage_start event.
func (tw *Writer) EmitStageStart(playbook string, index int, stage string) error {
	return tw.Emit(EventStageStart, map[string]any{
		"playbook": playbook,
		"index":    index,
		"stage":    stage,
	})
}

// EmitStageComplete emits a stage_complete event.
func (tw *Writer) EmitStageComplete(playbook string, index int, status string, httpStatus int, duration time.Duration, failure *Failure) error {
	data := map[string]any{
		"playbook": playbook,
		"index":    index,
		"status":   status,
		"duration": duration.String(),
	}
	if httpStatus != 0 {
		data["http_status"] = httpStatus
	}
	if failure != nil {
		data["failure"] = map[string]any{
			"kind":    failure.Kind,
			"message": failure.Message,
		}
	}
	return tw.Emit(EventStageComplete, data)
}

// EmitAuthResolved emits an auth_resolved event.
func (tw *Writer) EmitAuthResolved(playbook string, index int, scheme, credential, errMsg string) error {
	data := map[string]any{
		"playbook":   playbook,
		"index":      index,
		"scheme":     scheme,
		"credential": credential,
		"ok":         errMsg == "",
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return tw.Emit(EventAuthResolved, data)
}

// EmitVariablesAssigned emits a variables_assigned event. assignments maps
// variable name to value (or error).
func (tw *Writer) EmitVariablesAssigned(playbook string, index int, scope string, assignments map[string]any) error {
	return tw.Emit(EventVariablesAssigned, map[string]any{
		"playbook":    playbook,
		"index":       index,
		"scope":       scope,
		"assignments": assignments,
	})
}

// EmitVariablesMissing emits a variables_missing event.
func (tw *Writer) EmitVariablesMissing(playbook string, index int, names []string) error {
	return tw.Emit(EventVariablesMissing, map[string]any{
		"playbook": playbook,
		"index":    index,
		"missing":  names,
	})
}
