package warehouse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoadPlan is the ordered set of statements one flush will execute —
// a single representation dry-run printing and post-hoc debugging
// both render from.
type LoadPlan struct {
	Stream      string
	Schema      string
	Table       string
	TempTable   string
	DDL         []string // ensure_table statements (CREATE or ALTER ADD COLUMN/widen)
	CopyObjects []string // staged object URIs this plan will COPY from
	Copy            []string // COPY statements, one per staged object
	Merge           []string // merge/delete statements
	ActivateVersion string   // the activate-version cleanup DELETE, if one ran
	DropTemp        string
	Grants          []string
	Warnings        []Warning
}

// WarningLevel classifies a Warning's severity.
type WarningLevel int

const (
	WarningInfo WarningLevel = iota
	WarningNotice
)

func (l WarningLevel) String() string {
	if l == WarningNotice {
		return "NOTICE"
	}
	return "INFO"
}

// Warning is a non-fatal observation surfaced to the operator: a
// missing grant principal, an ignored retype request, and so on.
// Warnings never fail a flush.
type Warning struct {
	Level   WarningLevel `json:"level"`
	Message string       `json:"message"`
}

// MarshalJSON renders Level as its string form ("INFO"/"NOTICE")
// rather than the bare int.
func (w Warning) MarshalJSON() ([]byte, error) {
	type alias struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	return json.Marshal(alias{Level: w.Level.String(), Message: w.Message})
}

// AddDDL appends one or more DDL statements to the plan.
func (p *LoadPlan) AddDDL(stmts ...string) { p.DDL = append(p.DDL, stmts...) }

// AddWarning records a non-fatal warning.
func (p *LoadPlan) AddWarning(level WarningLevel, format string, args ...interface{}) {
	p.Warnings = append(p.Warnings, Warning{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Statements returns every SQL statement the plan will execute, for
// dry-run printing, in execution order except for Grants: those run
// right after the CREATE TABLE in DDL but are listed last here.
func (p *LoadPlan) Statements() []string {
	var all []string
	all = append(all, p.DDL...)
	all = append(all, p.Copy...)
	all = append(all, p.Merge...)
	if p.ActivateVersion != "" {
		all = append(all, p.ActivateVersion)
	}
	if p.DropTemp != "" {
		all = append(all, p.DropTemp)
	}
	all = append(all, p.Grants...)
	return all
}

// String renders a human-readable multi-line summary of the plan.
func (p *LoadPlan) String() string {
	var b strings.Builder
	b.WriteString("stream " + p.Stream + " -> " + p.Schema + "." + p.Table + "\n")
	for _, stmt := range p.Statements() {
		b.WriteString("  " + stmt + "\n")
	}
	for _, w := range p.Warnings {
		b.WriteString("  [" + w.Level.String() + "] " + w.Message + "\n")
	}
	return b.String()
}

// MarshalJSON renders the plan for `--format json` reporting.
func (p *LoadPlan) MarshalJSON() ([]byte, error) {
	type alias struct {
		Stream          string    `json:"stream"`
		Schema          string    `json:"schema"`
		Table           string    `json:"table"`
		TempTable       string    `json:"temp_table"`
		DDL             []string  `json:"ddl"`
		CopyObjects     []string  `json:"copy_objects"`
		Copy            []string  `json:"copy"`
		Merge           []string  `json:"merge"`
		ActivateVersion string    `json:"activate_version,omitempty"`
		DropTemp        string    `json:"drop_temp,omitempty"`
		Grants          []string  `json:"grants"`
		Warnings        []Warning `json:"warnings"`
	}
	return json.Marshal(alias{
		Stream: p.Stream, Schema: p.Schema, Table: p.Table, TempTable: p.TempTable,
		DDL: p.DDL, CopyObjects: p.CopyObjects, Copy: p.Copy, Merge: p.Merge,
		ActivateVersion: p.ActivateVersion,
		DropTemp:        p.DropTemp, Grants: p.Grants, Warnings: p.Warnings,
	})
}
