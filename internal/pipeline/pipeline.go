// Package pipeline turns raw log lines into records and feeds them to
// the aggregation sinks: pre-filter, parse, derive, filter, accumulate.
package pipeline

import (
	"context"
	"log"
	"net/url"
	"strings"

	"github.com/lebinh/ngxtop/internal/expr"
	"github.com/lebinh/ngxtop/internal/logformat"
	"github.com/lebinh/ngxtop/internal/model"
)

// PreFilterField is the single pseudo-field a pre-filter expression
// may reference; it holds the raw, unparsed line.
const PreFilterField = "line"

// DerivedFields lists the fields the pipeline adds to parsed records
// beyond what the format itself captures.
func DerivedFields(formatFields []string) []string {
	set := map[string]bool{}
	for _, f := range formatFields {
		set[f] = true
	}
	var derived []string
	if set["status"] && !set["status_type"] {
		derived = append(derived, "status_type")
	}
	if (set["request"] || set["request_uri"]) && !set["request_path"] {
		derived = append(derived, "request_path")
	}
	if set["body_bytes_sent"] && !set["bytes_sent"] {
		derived = append(derived, "bytes_sent")
	}
	return derived
}

// Sink receives accepted records. engine.State satisfies it.
type Sink interface {
	Accumulate(model.Record)
}

// Pipeline processes one line at a time. It is not safe for concurrent
// ProcessLine calls; run it from a single ingestion goroutine.
type Pipeline struct {
	matcher   *logformat.Matcher
	preFilter *expr.Program
	filter    *expr.Program
	sinks     []Sink
	stats     *SessionStats
	debug     bool
}

// Config assembles a Pipeline.
type Config struct {
	Matcher   *logformat.Matcher
	PreFilter *expr.Program // over the "line" pseudo-record, may be nil
	Filter    *expr.Program // over parsed records, may be nil
	Sinks     []Sink
	Stats     *SessionStats
	Debug     bool
}

// New creates a Pipeline. Stats must be non-nil.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		matcher:   cfg.Matcher,
		preFilter: cfg.PreFilter,
		filter:    cfg.Filter,
		sinks:     cfg.Sinks,
		stats:     cfg.Stats,
		debug:     cfg.Debug,
	}
}

// Stats exposes the session counters for the reporter.
func (p *Pipeline) Stats() *SessionStats { return p.stats }

// Run consumes lines until the channel closes or ctx is cancelled.
// A cancelled context still lets the line in flight finish.
func (p *Pipeline) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			p.ProcessLine(line)
		}
	}
}

// ProcessLine pushes one raw line through the pipeline.
//
// Counting policy: every line increments the lines-seen counter. Lines
// that fail to parse increment the skip counter. Parsed records
// rejected by the main filter increment the filtered counter and do
// NOT count toward the records-processed total used for throughput.
func (p *Pipeline) ProcessLine(line string) {
	p.stats.countLine()

	if p.preFilter != nil && !p.preFilter.Truthy(model.Record{PreFilterField: line}) {
		p.stats.countFilter()
		return
	}

	record, ok := p.matcher.Parse(line)
	if !ok {
		p.stats.countSkip()
		if p.debug {
			log.Printf("skip: %s", line)
		}
		return
	}

	derive(record)

	if p.filter != nil && !p.filter.Truthy(record) {
		p.stats.countFilter()
		return
	}

	p.stats.countRecord()
	if p.debug {
		log.Printf("record: %v", record)
	}
	for _, sink := range p.sinks {
		sink.Accumulate(record)
	}
}

// derive adds the computed fields: status class bucket, request path
// and the bytes_sent alias. Existing fields are never overwritten.
func derive(record model.Record) {
	if status, ok := record["status"]; ok {
		if _, exists := record["status_type"]; !exists {
			record["status_type"] = statusType(status)
		}
	}
	if _, exists := record["request_path"]; !exists {
		if path, ok := requestPath(record); ok {
			record["request_path"] = path
		}
	}
	if bytes, ok := record["body_bytes_sent"]; ok {
		if _, exists := record["bytes_sent"]; !exists {
			record["bytes_sent"] = bytes
		}
	}
}

// statusType buckets a numeric status into "2xx".."5xx"; anything
// unexpected becomes the "-" sentinel.
func statusType(status string) string {
	if len(status) == 3 && status[0] >= '1' && status[0] <= '5' {
		digitsOnly := true
		for i := 1; i < 3; i++ {
			if status[i] < '0' || status[i] > '9' {
				digitsOnly = false
				break
			}
		}
		if digitsOnly {
			return string(status[0]) + "xx"
		}
	}
	return "-"
}

// requestPath extracts the URI path from $request_uri or from the
// "$method $uri $protocol" shape of $request.
func requestPath(record model.Record) (string, bool) {
	uri, ok := record["request_uri"]
	if !ok {
		request, ok := record["request"]
		if !ok {
			return "", false
		}
		parts := strings.Split(request, " ")
		if len(parts) < 3 {
			return "", false
		}
		uri = strings.Join(parts[1:len(parts)-1], " ")
	}
	if uri == "" {
		return "", false
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return uri, true
	}
	return parsed.Path, true
}
