// Package report formats flush/DDL summaries for the operator: a
// small Formatter interface selected by name, rendering either
// human-readable text or JSON. It writes to the io.Writer it is given
// (stderr in production) — stdout is reserved exclusively for the
// STATE protocol.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"target-redshift/internal/warehouse"
)

// Format selects a Formatter implementation.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// Formatter renders a completed flush's LoadPlan for the operator.
type Formatter interface {
	FormatPlan(*warehouse.LoadPlan) (string, error)
}

// NewFormatter returns the Formatter named by name, defaulting to
// "human" when name is empty.
func NewFormatter(name string) (Formatter, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatHuman:
		return humanFormatter{}, nil
	case FormatJSON:
		return jsonFormatter{}, nil
	default:
		return nil, fmt.Errorf("report: unsupported format %q; use \"human\" or \"json\"", name)
	}
}

type humanFormatter struct{}

func (humanFormatter) FormatPlan(p *warehouse.LoadPlan) (string, error) {
	if p == nil {
		return "", nil
	}
	return p.String(), nil
}

type jsonFormatter struct{}

func (jsonFormatter) FormatPlan(p *warehouse.LoadPlan) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("report: marshal plan: %w", err)
	}
	return string(b), nil
}

// Reporter writes formatted flush summaries and free-form progress
// text to an operator-facing stream (stderr in production) through an
// injectable io.Writer.
type Reporter struct {
	out io.Writer
	fmt Formatter
}

// NewReporter builds a Reporter that writes through out using the
// Formatter named by format.
func NewReporter(out io.Writer, format string) (*Reporter, error) {
	f, err := NewFormatter(format)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	return &Reporter{out: out, fmt: f}, nil
}

// Plan renders and writes one flush's LoadPlan.
func (r *Reporter) Plan(p *warehouse.LoadPlan) {
	s, err := r.fmt.FormatPlan(p)
	if err != nil {
		fmt.Fprintf(r.out, "report: %v\n", err)
		return
	}
	if s == "" {
		return
	}
	fmt.Fprintln(r.out, s)
}

// Printf writes free-form operator-facing progress text, untouched by
// the selected Formatter.
func (r *Reporter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}
