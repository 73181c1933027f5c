// Package report renders run results for terminals and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/scanbook/pkg/kernel/engine"
	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
)

// Status glyphs convey meaning without relying on color alone.
const (
	GlyphPending = "○"
	GlyphSuccess = "✓"
	GlyphFailure = "✗"
	GlyphNested  = "↳"
)

// MaxMessageWidth truncates failure messages in text output.
const MaxMessageWidth = 96

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

type styles struct {
	header, success, failure, pending, dim, label lipgloss.Style
}

// newStyles binds styles to w so non-terminal writers get plain text.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:  r.NewStyle().Bold(true).Foreground(colorCyan),
		success: r.NewStyle().Foreground(colorGreen),
		failure: r.NewStyle().Foreground(colorRed).Bold(true),
		pending: r.NewStyle().Foreground(colorYellow),
		dim:     r.NewStyle().Foreground(colorDim),
		label:   r.NewStyle().Bold(true),
	}
}

func (s styles) status(st engine.Status) (string, lipgloss.Style) {
	switch st {
	case engine.StatusSuccess:
		return GlyphSuccess, s.success
	case engine.StatusFailure:
		return GlyphFailure, s.failure
	}
	return GlyphPending, s.pending
}

// Options tunes text output.
type Options struct {
	// Verbose adds authentication details and assignments.
	Verbose bool
}

// Text writes a human-readable tree of the run: one line per playbook,
// one line per stage, nested authentication runs indented below.
func Text(w io.Writer, res *engine.RunResult, opts Options) error {
	s := newStyles(w)
	var b strings.Builder

	glyph, st := s.status(res.Status)
	fmt.Fprintf(&b, "%s %s  %s  %s\n",
		s.header.Render("run "+res.RunID),
		res.Document,
		st.Render(glyph+" "+strings.ToUpper(string(res.Status))),
		s.dim.Render(round(res.Duration).String()))
	if res.Error != nil {
		fmt.Fprintf(&b, "  %s %s\n", s.failure.Render("error:"), res.Error)
	}

	for _, pb := range res.Execution {
		writePlaybook(&b, s, pb, opts)
	}

	succ, fail, pend := Count(res)
	fmt.Fprintf(&b, "\n%s %s, %s, %s\n",
		s.label.Render("stages:"),
		s.success.Render(fmt.Sprintf("%d succeeded", succ)),
		s.failure.Render(fmt.Sprintf("%d failed", fail)),
		s.pending.Render(fmt.Sprintf("%d pending", pend)))

	_, err := io.WriteString(w, b.String())
	return err
}

func writePlaybook(b *strings.Builder, s styles, pb *engine.PlaybookResult, opts Options) {
	indent := strings.Repeat("    ", pb.Depth)
	glyph, st := s.status(pb.Status)
	name := pb.Playbook
	if pb.Depth > 0 {
		name = GlyphNested + " auth " + name
	}
	fmt.Fprintf(b, "%s%s %s %s\n", indent, st.Render(glyph), s.label.Render(name), s.dim.Render(round(pb.Duration).String()))

	width := 0
	for _, r := range pb.Results {
		width = max(width, runewidth.StringWidth(r.Stage))
	}
	for _, r := range pb.Results {
		glyph, st := s.status(r.Status)
		line := fmt.Sprintf("%s  %s %2d %s", indent, st.Render(glyph), r.Index, runewidth.FillRight(r.Stage, width))
		if r.Request != nil {
			line += "  " + r.Request.Method + " " + r.Request.URL
		}
		if r.Response != nil {
			line += s.dim.Render(fmt.Sprintf(" → %d", r.Response.StatusCode))
		}
		b.WriteString(line + "\n")

		if f := r.Failure(); f != nil {
			msg := runewidth.Truncate(f.Message, MaxMessageWidth, "…")
			fmt.Fprintf(b, "%s       %s %s\n", indent, s.failure.Render(f.Kind+":"), msg)
		}
		if !opts.Verbose {
			continue
		}
		for _, scheme := range slices.Sorted(maps.Keys(r.Auth)) {
			a := r.Auth[scheme]
			detail := a.Credential
			if a.Method != "" {
				detail += "/" + a.Method
			}
			if a.Error != "" {
				detail += " " + s.failure.Render(a.Error)
			}
			fmt.Fprintf(b, "%s       %s %s\n", indent, s.dim.Render("auth "+scheme+":"), detail)
		}
		for _, a := range r.VariablesAssigned {
			value := eval.Stringify(a.Value)
			if !a.Ok() {
				value = s.failure.Render(a.Error)
			}
			fmt.Fprintf(b, "%s       %s %s\n", indent, s.dim.Render(a.Name+" ="), runewidth.Truncate(value, MaxMessageWidth, "…"))
		}
	}
}

// Count tallies stage statuses over top-level playbooks.
func Count(res *engine.RunResult) (success, failure, pending int) {
	for _, pb := range res.Execution.TopLevel() {
		for _, r := range pb.Results {
			switch r.Status {
			case engine.StatusSuccess:
				success++
			case engine.StatusFailure:
				failure++
			default:
				pending++
			}
		}
	}
	return success, failure, pending
}

// JSON writes the full result tree.
func JSON(w io.Writer, res *engine.RunResult) error {
	out := struct {
		*engine.RunResult
		Error string `json:"error,omitempty"`
	}{RunResult: res}
	if res.Error != nil {
		out.Error = res.Error.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(10 * time.Millisecond)
	}
	return d.Round(time.Millisecond)
}
