// Package engine maintains per-group running accumulators over a
// record stream and materializes ranked snapshots from them.
//
// State is cumulative for one session: group entries are created on
// first sight and never evicted. Accumulate and Snapshot are safe to
// call from different goroutines; Snapshot observes a consistent
// point-in-time view and never mutates state.
package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lebinh/ngxtop/internal/expr"
	"github.com/lebinh/ngxtop/internal/model"
)

// MissingValue is the group-key component used when a record lacks a
// group-by field.
const MissingValue = "-"

// Kind identifies an accumulator update rule.
type Kind int

const (
	KindCount Kind = iota
	KindSum
	KindAvg
	KindMin
	KindMax
	kindCustom
)

var kindNames = map[string]Kind{
	"count": KindCount,
	"sum":   KindSum,
	"avg":   KindAvg,
	"min":   KindMin,
	"max":   KindMax,
}

// KindByName resolves an aggregation function name. ok is false for
// names that are neither built in nor registered via Register.
func KindByName(name string) (Kind, bool) {
	if k, ok := kindNames[name]; ok {
		return k, true
	}
	customMu.Lock()
	defer customMu.Unlock()
	_, ok := customKinds[name]
	if !ok {
		return 0, false
	}
	return kindCustom, true
}

// Accumulator folds one numeric contribution at a time.
type Accumulator interface {
	Update(v float64)
	Value() float64
}

var (
	customMu    sync.Mutex
	customKinds = map[string]func() Accumulator{}
)

// Register installs a custom accumulator kind under name. It is the
// extension point for aggregation functions beyond the built-in set.
func Register(name string, factory func() Accumulator) {
	customMu.Lock()
	defer customMu.Unlock()
	customKinds[name] = factory
}

// Aggregation describes one accumulator column of a query: an update
// rule applied to a record field or to a numeric literal.
type Aggregation struct {
	Kind     Kind
	KindName string   // set for custom kinds
	Field    string   // source field, ignored by count
	Literal  *float64 // literal target instead of a field
	Name     string   // output column name
}

func (a Aggregation) newAccumulator() Accumulator {
	switch a.Kind {
	case KindCount:
		return &countAcc{}
	case KindSum:
		return &sumAcc{}
	case KindAvg:
		return &avgAcc{}
	case KindMin:
		return &minAcc{}
	case KindMax:
		return &maxAcc{}
	case kindCustom:
		customMu.Lock()
		factory := customKinds[a.KindName]
		customMu.Unlock()
		if factory != nil {
			return factory()
		}
	}
	panic(fmt.Sprintf("engine: no accumulator for kind %d %q", a.Kind, a.KindName))
}

type countAcc struct{ n float64 }

func (a *countAcc) Update(float64) { a.n++ }
func (a *countAcc) Value() float64 { return a.n }

type sumAcc struct{ sum float64 }

func (a *sumAcc) Update(v float64) { a.sum += v }
func (a *sumAcc) Value() float64   { return a.sum }

type avgAcc struct {
	sum float64
	n   float64
}

func (a *avgAcc) Update(v float64) { a.sum += v; a.n++ }
func (a *avgAcc) Value() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / a.n
}

type minAcc struct {
	set bool
	v   float64
}

func (a *minAcc) Update(v float64) {
	if !a.set || v < a.v {
		a.set = true
		a.v = v
	}
}
func (a *minAcc) Value() float64 { return a.v }

type maxAcc struct {
	set bool
	v   float64
}

func (a *maxAcc) Update(v float64) {
	if !a.set || v > a.v {
		a.set = true
		a.v = v
	}
}
func (a *maxAcc) Value() float64 { return a.v }

// group is one aggregation bucket: the key components plus one
// accumulator per configured aggregation.
type group struct {
	keyParts []string
	accs     []Accumulator
}

// State is the aggregation state for one session.
type State struct {
	mu      sync.Mutex
	groupBy []string
	aggs    []Aggregation
	groups  map[string]*group
}

// New creates an empty State for the given group-by fields and
// aggregation columns.
func New(groupBy []string, aggs []Aggregation) *State {
	return &State{
		groupBy: groupBy,
		aggs:    aggs,
		groups:  make(map[string]*group),
	}
}

// Columns returns the snapshot column order: group-by fields first,
// then one column per aggregation.
func (s *State) Columns() []string {
	cols := make([]string, 0, len(s.groupBy)+len(s.aggs))
	cols = append(cols, s.groupBy...)
	for _, a := range s.aggs {
		cols = append(cols, a.Name)
	}
	return cols
}

// Accumulate folds one record into the state. A missing group-by field
// becomes the MissingValue sentinel; a non-coercible aggregation target
// skips that single contribution.
func (s *State) Accumulate(rec model.Record) {
	keyParts := make([]string, len(s.groupBy))
	for i, f := range s.groupBy {
		v, ok := rec[f]
		if !ok || v == "" {
			v = MissingValue
		}
		keyParts[i] = v
	}
	key := strings.Join(keyParts, "\x00")

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[key]
	if !ok {
		g = &group{keyParts: keyParts, accs: make([]Accumulator, len(s.aggs))}
		for i, a := range s.aggs {
			g.accs[i] = a.newAccumulator()
		}
		s.groups[key] = g
	}

	for i, a := range s.aggs {
		if a.Kind == KindCount {
			g.accs[i].Update(1)
			continue
		}
		v, ok := a.target(rec)
		if !ok {
			continue // coercion failure: skip this contribution only
		}
		g.accs[i].Update(v)
	}
}

// target resolves the numeric contribution of rec for this
// aggregation. The access-log "-" placeholder counts as zero.
func (a Aggregation) target(rec model.Record) (float64, bool) {
	if a.Literal != nil {
		return *a.Literal, true
	}
	raw, ok := rec[a.Field]
	if !ok {
		return 0, false
	}
	if raw == "" || raw == MissingValue {
		return 0, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GroupCount returns the number of distinct group keys seen so far.
func (s *State) GroupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

// Snapshot materializes one row per group, filters them through the
// having expression (nil means keep all), sorts by orderBy descending
// with the group key as ascending tie-break, and truncates to limit
// (limit <= 0 means unlimited). Cumulative since session start;
// repeated calls without intervening Accumulate are idempotent.
func (s *State) Snapshot(having *expr.Program, orderBy string, limit int) []model.Row {
	type keyedRow struct {
		key string
		row model.Row
	}

	s.mu.Lock()
	rows := make([]keyedRow, 0, len(s.groups))
	for key, g := range s.groups {
		row := make(model.Row, len(s.groupBy)+len(s.aggs))
		for i, f := range s.groupBy {
			row[f] = g.keyParts[i]
		}
		for i, a := range s.aggs {
			row[a.Name] = g.accs[i].Value()
		}
		rows = append(rows, keyedRow{key: key, row: row})
	}
	s.mu.Unlock()

	if having != nil {
		kept := rows[:0]
		for _, r := range rows {
			if having.Truthy(r.row) {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].row[orderBy], rows[j].row[orderBy]
		if c := compareValues(a, b); c != 0 {
			return c > 0 // descending by order-by column
		}
		return rows[i].key < rows[j].key
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]model.Row, len(rows))
	for i, r := range rows {
		out[i] = r.row
	}
	return out
}

func compareValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}
