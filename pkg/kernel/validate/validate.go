// Package validate implements the playbook/v0 3-phase validation pipeline:
// structural → semantic → domain.
package validate

import (
	"fmt"

	"github.com/ormasoftchile/scanbook/pkg/kernel/schema"
)

// ValidationError represents one error or warning from the validation pipeline.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s at %s", e.Phase, e.Message, e.Path)
	}
	return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
}

func errorf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: "error",
	}
}

func warningf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: "warning",
	}
}

// ValidateFile runs the full 3-phase pipeline on a playbook file.
func ValidateFile(path string) (*schema.Document, []*ValidationError) {
	// Phase 1: Structural (strict YAML decode)
	doc, err := schema.LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{errorf("structural", "", "failed to load: %s", err)}
	}
	return doc, ValidateDocument(doc)
}

// ValidateDocument runs phases 2+3 on an already-loaded document.
func ValidateDocument(doc *schema.Document) []*ValidationError {
	// Phase 2: Semantic (JSON Schema validation)
	errs := validateSemantic(doc)

	// If we have semantic errors, don't proceed to domain
	if HasErrors(errs) {
		return errs
	}

	// Phase 3: Domain (hand-coded rules)
	return append(errs, validateDomain(doc)...)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}
