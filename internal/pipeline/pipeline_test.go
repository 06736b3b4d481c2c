package pipeline

import (
	"testing"

	"github.com/lebinh/ngxtop/internal/engine"
	"github.com/lebinh/ngxtop/internal/expr"
	"github.com/lebinh/ngxtop/internal/logformat"
	"github.com/lebinh/ngxtop/internal/model"
)

const testFormat = `$remote_addr - - [$time] "$request" $status $bytes`

var testLines = []string{
	`1.1.1.1 - - [10/Oct/2024:13:55:36] "GET /a HTTP/1.0" 200 100`,
	`1.1.1.1 - - [10/Oct/2024:13:55:37] "GET /b HTTP/1.0" 200 200`,
	`2.2.2.2 - - [10/Oct/2024:13:55:38] "GET /a HTTP/1.0" 404 50`,
}

func knownFields(t *testing.T, m *logformat.Matcher) map[string]bool {
	t.Helper()
	known := map[string]bool{}
	for _, f := range m.Fields() {
		known[f] = true
	}
	for _, f := range DerivedFields(m.Fields()) {
		known[f] = true
	}
	return known
}

func newTestPipeline(t *testing.T, filterText string, sinks ...Sink) *Pipeline {
	t.Helper()
	m, err := logformat.Compile(testFormat)
	if err != nil {
		t.Fatalf("Compile format: %v", err)
	}
	var filter *expr.Program
	if filterText != "" {
		filter, err = expr.Compile(filterText, knownFields(t, m))
		if err != nil {
			t.Fatalf("Compile filter: %v", err)
		}
	}
	return New(Config{
		Matcher: m,
		Filter:  filter,
		Sinks:   sinks,
		Stats:   NewSessionStats(),
	})
}

func TestEndToEndGroupByRemoteAddr(t *testing.T) {
	t.Parallel()
	state := engine.New([]string{"remote_addr"}, []engine.Aggregation{
		{Kind: engine.KindCount, Name: "count"},
	})
	p := newTestPipeline(t, "", state)
	for _, line := range testLines {
		p.ProcessLine(line)
	}

	rows := state.Snapshot(nil, "count", 0)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["remote_addr"] != "1.1.1.1" || rows[0]["count"].(float64) != 2 {
		t.Errorf("rows[0] = %v, want 1.1.1.1 with count 2", rows[0])
	}
	if rows[1]["remote_addr"] != "2.2.2.2" || rows[1]["count"].(float64) != 1 {
		t.Errorf("rows[1] = %v, want 2.2.2.2 with count 1", rows[1])
	}
}

func TestFilterAcceptsMatchingRecordsOnly(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, "status >= 400")
	for _, line := range testLines {
		p.ProcessLine(line)
	}

	stats := p.Stats()
	if got := stats.Records(); got != 1 {
		t.Errorf("accepted records = %d, want 1", got)
	}
	if got := stats.Filtered(); got != 2 {
		t.Errorf("filtered records = %d, want 2", got)
	}
	if got := stats.Lines(); got != 3 {
		t.Errorf("lines seen = %d, want 3", got)
	}
}

// Pinned policy: filter-rejected records do not count toward the
// records-processed total that throughput is computed from.
func TestFilteredRecordsExcludedFromProcessedTotal(t *testing.T) {
	t.Parallel()
	state := engine.New(nil, []engine.Aggregation{{Kind: engine.KindCount, Name: "count"}})
	p := newTestPipeline(t, "status >= 400", state)
	for _, line := range testLines {
		p.ProcessLine(line)
	}

	if got := p.Stats().Records(); got != 1 {
		t.Errorf("Records() = %d, want 1 (excluded records must not count)", got)
	}
	rows := state.Snapshot(nil, "count", 0)
	if got := rows[0]["count"].(float64); got != 1 {
		t.Errorf("aggregated count = %v, want 1", got)
	}
}

func TestUnparseableLineCountedOnce(t *testing.T) {
	t.Parallel()
	state := engine.New([]string{"remote_addr"}, []engine.Aggregation{
		{Kind: engine.KindCount, Name: "count"},
		{Kind: engine.KindSum, Field: "bytes", Name: "sum_bytes"},
	})
	p := newTestPipeline(t, "", state)
	broken := `1.1.1.1 - - [10/Oct/2024:13:55:36] "GET /a HTTP/1.0" 200 100 extra`
	p.ProcessLine(broken)
	p.ProcessLine(testLines[0])

	stats := p.Stats()
	if got := stats.Skipped(); got != 1 {
		t.Errorf("Skipped() = %d, want exactly 1", got)
	}
	if got := stats.Records(); got != 1 {
		t.Errorf("Records() = %d, want 1", got)
	}
	rows := state.Snapshot(nil, "count", 0)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (skipped line must reach no aggregation)", len(rows))
	}
	if got := rows[0]["sum_bytes"].(float64); got != 100 {
		t.Errorf("sum_bytes = %v, want 100", got)
	}
}

func TestDerivedFields(t *testing.T) {
	t.Parallel()
	m, err := logformat.Compile(`$remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	var got model.Record
	capture := sinkFunc(func(r model.Record) { got = r })
	p := New(Config{Matcher: m, Sinks: []Sink{capture}, Stats: NewSessionStats()})

	p.ProcessLine(`1.1.1.1 - - [10/Oct/2024:13:55:36] "GET /foo/bar?q=1 HTTP/1.1" 404 512`)
	if got == nil {
		t.Fatal("record did not reach the sink")
	}
	if got["status_type"] != "4xx" {
		t.Errorf("status_type = %q, want 4xx", got["status_type"])
	}
	if got["request_path"] != "/foo/bar" {
		t.Errorf("request_path = %q, want /foo/bar", got["request_path"])
	}
	if got["bytes_sent"] != "512" {
		t.Errorf("bytes_sent = %q, want 512", got["bytes_sent"])
	}
}

func TestStatusTypeBuckets(t *testing.T) {
	t.Parallel()
	tests := []struct{ status, want string }{
		{"200", "2xx"},
		{"301", "3xx"},
		{"404", "4xx"},
		{"503", "5xx"},
		{"100", "1xx"},
		{"999", "-"},
		{"-", "-"},
		{"20a", "-"},
	}
	for _, tt := range tests {
		if got := statusType(tt.status); got != tt.want {
			t.Errorf("statusType(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestPreFilterDiscardsBeforeParse(t *testing.T) {
	t.Parallel()
	m, err := logformat.Compile(testFormat)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	pre, err := expr.Compile(`line != ''`, map[string]bool{PreFilterField: true})
	if err != nil {
		t.Fatalf("Compile pre-filter: %v", err)
	}
	p := New(Config{Matcher: m, PreFilter: pre, Stats: NewSessionStats()})

	p.ProcessLine("")
	p.ProcessLine(testLines[0])

	stats := p.Stats()
	if got := stats.Skipped(); got != 0 {
		t.Errorf("Skipped() = %d, want 0 (pre-filtered lines never parse)", got)
	}
	if got := stats.Records(); got != 1 {
		t.Errorf("Records() = %d, want 1", got)
	}
}

func TestDerivedFieldsList(t *testing.T) {
	t.Parallel()
	got := DerivedFields([]string{"remote_addr", "request", "status", "body_bytes_sent"})
	want := map[string]bool{"status_type": true, "request_path": true, "bytes_sent": true}
	if len(got) != len(want) {
		t.Fatalf("DerivedFields = %v, want %v", got, want)
	}
	for _, f := range got {
		if !want[f] {
			t.Errorf("unexpected derived field %q", f)
		}
	}
}

type sinkFunc func(model.Record)

func (f sinkFunc) Accumulate(r model.Record) { f(r) }
