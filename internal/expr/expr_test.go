package expr

import (
	"errors"
	"testing"

	"github.com/lebinh/ngxtop/internal/model"
)

var logFields = map[string]bool{
	"status": true, "bytes_sent": true, "request_path": true,
	"remote_addr": true, "count": true, "avg_bytes_sent": true,
}

func mustCompile(t *testing.T, text string) *Program {
	t.Helper()
	p, err := Compile(text, logFields)
	if err != nil {
		t.Fatalf("Compile(%q): %v", text, err)
	}
	return p
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
	}{
		{"unknown field", "nosuchfield == 1"},
		{"unterminated string", `status == 'oops`},
		{"dangling operator", "status >="},
		{"missing paren", "(status == 200"},
		{"bare operator", "== 200"},
		{"trailing garbage", "status == 200 )"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile(tt.text, logFields)
			if err == nil {
				t.Fatalf("Compile(%q) succeeded, want error", tt.text)
			}
			var ee *ExpressionError
			if !errors.As(err, &ee) {
				t.Fatalf("Compile(%q) error type = %T, want *ExpressionError", tt.text, err)
			}
		})
	}
}

func TestTruthyAgainstRecord(t *testing.T) {
	t.Parallel()
	rec := model.Record{
		"status":       "404",
		"bytes_sent":   "512",
		"request_path": "/index.html",
		"remote_addr":  "192.0.2.1",
	}
	tests := []struct {
		text string
		want bool
	}{
		{"1", true},
		{"0", false},
		{"status == 404", true},
		{"status == '404'", true},
		{"status != 404", false},
		{"status >= 400", true},
		{"status < 400", false},
		{"status >= 400 and bytes_sent > 100", true},
		{"status >= 500 or bytes_sent > 100", true},
		{"status >= 500 and bytes_sent > 100", false},
		{"not status == 200", true},
		{"request_path == '/index.html'", true},
		{"request_path == '/other'", false},
		{"bytes_sent * 2 > 1000", true},
		{"bytes_sent + 100 == 612", true},
		{"(status - 4) / 100 == 4", true},
		{"-bytes_sent < 0", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			p := mustCompile(t, tt.text)
			if got := p.Truthy(rec); got != tt.want {
				t.Errorf("Truthy(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

// A non-numeric value at a numeric site fails that one evaluation; the
// record counts as excluded, not as an error.
func TestCoercionFailureExcludes(t *testing.T) {
	t.Parallel()
	rec := model.Record{"status": "-", "bytes_sent": "abc"}
	fields := map[string]bool{"status": true, "bytes_sent": true}

	p, err := Compile("status >= 400", fields)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := p.Eval(rec); err == nil {
		t.Error("Eval on non-numeric status succeeded, want coercion failure")
	}
	if p.Truthy(rec) {
		t.Error("Truthy on non-numeric status = true, want false (excluded)")
	}
}

func TestEvalMissingField(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, "status == 200")
	if p.Truthy(model.Record{}) {
		t.Error("Truthy with missing field = true, want false")
	}
}

func TestDivisionByZero(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, "bytes_sent / status > 1")
	rec := model.Record{"bytes_sent": "10", "status": "0"}
	if p.Truthy(rec) {
		t.Error("Truthy with zero divisor = true, want false")
	}
}

func TestHavingOverAggregatedRow(t *testing.T) {
	t.Parallel()
	row := model.Row{
		"request_path":   "/api",
		"count":          float64(42),
		"avg_bytes_sent": 123.5,
	}
	tests := []struct {
		text string
		want bool
	}{
		{"count > 10", true},
		{"count > 100", false},
		{"avg_bytes_sent >= 123.5", true},
		{"request_path == '/api' and count > 1", true},
	}
	for _, tt := range tests {
		p := mustCompile(t, tt.text)
		if got := p.Truthy(row); got != tt.want {
			t.Errorf("Truthy(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestShortCircuit(t *testing.T) {
	t.Parallel()
	// The right side would fail coercion, but the left side decides.
	rec := model.Record{"status": "200", "bytes_sent": "abc"}
	p := mustCompile(t, "status == 404 and bytes_sent > 10")
	if p.Truthy(rec) {
		t.Error("and with false left side = true, want false")
	}
	p = mustCompile(t, "status == 200 or bytes_sent > 10")
	if !p.Truthy(rec) {
		t.Error("or with true left side = false, want true")
	}
}
