// Package query builds report query specifications: group-by fields,
// aggregation columns, having clause, ordering and row limit.
//
// Everything here is validated against the known field set before any
// log line is processed, so a malformed query is a configuration
// error, not a runtime one.
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lebinh/ngxtop/internal/engine"
	"github.com/lebinh/ngxtop/internal/expr"
)

// Default values mirroring the classic CLI defaults.
const (
	DefaultGroupBy = "request_path"
	DefaultHaving  = "1"
	DefaultOrderBy = "count"
	DefaultLimit   = 10
)

// Spec is one compiled report query. It is immutable after Build and
// owns the engine state it aggregates into.
type Spec struct {
	Name    string
	GroupBy []string
	Aggs    []engine.Aggregation
	Having  *expr.Program
	OrderBy string
	Limit   int
}

// NewState creates a fresh aggregation state shaped by this spec.
func (s *Spec) NewState() *engine.State {
	return engine.New(s.GroupBy, s.Aggs)
}

// Columns returns the output column order.
func (s *Spec) Columns() []string {
	cols := make([]string, 0, len(s.GroupBy)+len(s.Aggs))
	cols = append(cols, s.GroupBy...)
	for _, a := range s.Aggs {
		cols = append(cols, a.Name)
	}
	return cols
}

var aggPattern = regexp.MustCompile(`^([a-z_][a-z0-9_]*)\((\$?[a-zA-Z0-9_.]+)\)$`)

// ParseAggregation compiles one aggregation expression: bare "count"
// or "kind(field)" where kind is a built-in or registered accumulator
// kind and field is a known record field or a numeric literal.
func ParseAggregation(text string, known map[string]bool) (engine.Aggregation, error) {
	text = strings.TrimSpace(text)
	if text == "count" || text == "count(1)" {
		return engine.Aggregation{Kind: engine.KindCount, Name: "count"}, nil
	}

	m := aggPattern.FindStringSubmatch(text)
	if m == nil {
		return engine.Aggregation{}, fmt.Errorf("malformed aggregation %q, want kind(field)", text)
	}
	kindName, target := m[1], strings.TrimPrefix(m[2], "$")

	kind, ok := engine.KindByName(kindName)
	if !ok {
		return engine.Aggregation{}, fmt.Errorf("unknown aggregation function %q", kindName)
	}

	agg := engine.Aggregation{
		Kind:     kind,
		KindName: kindName,
		Name:     columnName(kindName, target),
	}
	if lit, err := strconv.ParseFloat(target, 64); err == nil {
		agg.Literal = &lit
		return agg, nil
	}
	if !known[target] {
		return engine.Aggregation{}, fmt.Errorf("aggregation %q references unknown field %q", text, target)
	}
	agg.Field = target
	return agg, nil
}

func columnName(kind, target string) string {
	return kind + "_" + strings.Map(func(r rune) rune {
		if r == '.' {
			return '_'
		}
		return r
	}, target)
}

// Build compiles a full query spec. Group-by fields and aggregation
// targets are validated against known record fields; having and
// order-by are validated against the resulting row columns.
func Build(name string, groupBy []string, aggTexts []string, havingText, orderBy string, limit int, known map[string]bool) (*Spec, error) {
	for _, f := range groupBy {
		if !known[f] {
			return nil, fmt.Errorf("group-by field %q is not present in the log format", f)
		}
	}

	aggs := []engine.Aggregation{}
	seen := map[string]bool{}
	for _, text := range aggTexts {
		agg, err := ParseAggregation(text, known)
		if err != nil {
			return nil, err
		}
		if seen[agg.Name] {
			return nil, fmt.Errorf("duplicate aggregation column %q", agg.Name)
		}
		seen[agg.Name] = true
		aggs = append(aggs, agg)
	}
	if len(aggs) == 0 {
		return nil, fmt.Errorf("query %q has no aggregation columns", name)
	}

	columns := map[string]bool{}
	for _, f := range groupBy {
		columns[f] = true
	}
	for _, a := range aggs {
		columns[a.Name] = true
	}

	if havingText == "" {
		havingText = DefaultHaving
	}
	having, err := expr.Compile(havingText, columns)
	if err != nil {
		return nil, fmt.Errorf("having clause: %w", err)
	}

	if orderBy == "" {
		orderBy = aggs[0].Name
	}
	if !columns[orderBy] {
		return nil, fmt.Errorf("order-by column %q is not produced by the query", orderBy)
	}

	return &Spec{
		Name:    name,
		GroupBy: groupBy,
		Aggs:    aggs,
		Having:  having,
		OrderBy: orderBy,
		Limit:   limit,
	}, nil
}

// Summary builds the coarse session-wide table: one global row with
// request count and, when the format carries it, average bytes sent.
func Summary(known map[string]bool) (*Spec, error) {
	aggs := []string{"count"}
	if known["bytes_sent"] {
		aggs = append(aggs, "avg(bytes_sent)")
	}
	return Build("Summary", nil, aggs, DefaultHaving, "count", 0, known)
}

// StatusBreakdown builds the per-status-class table (2xx..5xx rows).
func StatusBreakdown(known map[string]bool) (*Spec, error) {
	if !known["status_type"] {
		return nil, nil
	}
	aggs := []string{"count"}
	if known["bytes_sent"] {
		aggs = append(aggs, "avg(bytes_sent)")
	}
	return Build("Status codes", []string{"status_type"}, aggs, DefaultHaving, "count", 0, known)
}

// Detailed builds the user-shaped ranked table: the group-by field(s)
// with count, average bytes sent and any extra aggregations.
func Detailed(groupBy []string, extraAggs []string, having, orderBy string, limit int, known map[string]bool) (*Spec, error) {
	aggs := []string{"count"}
	if known["bytes_sent"] {
		aggs = append(aggs, "avg(bytes_sent)")
	}
	aggs = append(aggs, extraAggs...)
	return Build("Detailed", groupBy, aggs, having, orderBy, limit, known)
}

// Top synthesizes the minimal spec behind the `top <field>` command.
func Top(field string, limit int, known map[string]bool) (*Spec, error) {
	return Build("top "+field, []string{field}, []string{"count"}, DefaultHaving, "count", limit, known)
}

// Avg synthesizes the spec behind the `avg <field>...` command: one
// global row of averages.
func Avg(fields []string, known map[string]bool) (*Spec, error) {
	aggs := make([]string, len(fields))
	for i, f := range fields {
		aggs[i] = fmt.Sprintf("avg(%s)", f)
	}
	return Build("average "+strings.Join(fields, ", "), nil, aggs, DefaultHaving, "", 0, known)
}

// Sum synthesizes the spec behind the `sum <field>...` command.
func Sum(fields []string, known map[string]bool) (*Spec, error) {
	aggs := make([]string, len(fields))
	for i, f := range fields {
		aggs[i] = fmt.Sprintf("sum(%s)", f)
	}
	return Build("sum "+strings.Join(fields, ", "), nil, aggs, DefaultHaving, "", 0, known)
}

// Print synthesizes the spec behind the `print <field>...` command:
// distinct value combinations with their occurrence counts.
func Print(fields []string, limit int, known map[string]bool) (*Spec, error) {
	return Build(strings.Join(fields, ", "), fields, []string{"count"}, DefaultHaving, "count", limit, known)
}
