package model

import "time"

// Record is one parsed access-log line: field name to raw string value,
// plus fields derived by the pipeline (status_type, request_path, ...).
// Records are folded into the aggregation engine and not retained.
type Record map[string]string

// Field reports the value of a named field. Implements the expression
// evaluator's environment contract.
func (r Record) Field(name string) (any, bool) {
	v, ok := r[name]
	return v, ok
}

// Row is one aggregated snapshot row keyed by column name. Values are
// float64 for accumulator columns and string for group-by columns.
type Row map[string]any

// Field reports the value of a named column.
func (r Row) Field(name string) (any, bool) {
	v, ok := r[name]
	return v, ok
}

// Table is one ranked result table produced for presentation.
type Table struct {
	Name    string
	Columns []string
	Rows    []Row
}

// Report bundles session statistics and snapshot tables for one
// reporting tick (or the single end-of-stream report in batch mode).
type Report struct {
	Elapsed  time.Duration
	Lines    uint64 // raw lines seen, matched or not
	Records  uint64 // records accepted into aggregation
	Skipped  uint64 // lines that failed to match the format
	Filtered uint64 // records rejected by the main filter
	Rate     float64
	Final    bool
	Tables   []Table
}
