// Package reporter periodically derives reports from the session
// counters and aggregation states and hands them to a presenter.
package reporter

import (
	"context"
	"time"

	"github.com/lebinh/ngxtop/internal/engine"
	"github.com/lebinh/ngxtop/internal/model"
	"github.com/lebinh/ngxtop/internal/pipeline"
	"github.com/lebinh/ngxtop/internal/query"
)

// DefaultInterval is the follow-mode report cadence.
const DefaultInterval = 2 * time.Second

// Presenter renders a report. The console table view, the follow-mode
// TUI and the HTTP API all satisfy it.
type Presenter interface {
	Present(model.Report)
}

// Query couples a compiled query spec with the aggregation state it
// snapshots from.
type Query struct {
	Spec  *query.Spec
	State *engine.State
}

// NewQuery allocates state shaped by spec and pairs the two.
func NewQuery(spec *query.Spec) Query {
	return Query{Spec: spec, State: spec.NewState()}
}

// Reporter drives the timer role of the session: on every interval (or
// once, at end of input) it snapshots all queries and presents them.
type Reporter struct {
	stats     *pipeline.SessionStats
	queries   []Query
	presenter Presenter
	interval  time.Duration
}

// New creates a Reporter. A non-positive interval falls back to
// DefaultInterval.
func New(stats *pipeline.SessionStats, queries []Query, presenter Presenter, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{
		stats:     stats,
		queries:   queries,
		presenter: presenter,
		interval:  interval,
	}
}

// BuildReport assembles a point-in-time report: session stats plus one
// ranked table per query. Snapshots are cumulative since session
// start, never deltas.
func (r *Reporter) BuildReport(final bool) model.Report {
	report := model.Report{
		Elapsed:  r.stats.Elapsed(),
		Lines:    r.stats.Lines(),
		Records:  r.stats.Records(),
		Skipped:  r.stats.Skipped(),
		Filtered: r.stats.Filtered(),
		Rate:     r.stats.Rate(),
		Final:    final,
	}
	for _, q := range r.queries {
		report.Tables = append(report.Tables, model.Table{
			Name:    q.Spec.Name,
			Columns: q.Spec.Columns(),
			Rows:    q.State.Snapshot(q.Spec.Having, q.Spec.OrderBy, q.Spec.Limit),
		})
	}
	return report
}

// Run reports on every interval tick until ctx is cancelled, then
// flushes one final report and returns.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.presenter.Present(r.BuildReport(true))
			return nil
		case <-ticker.C:
			r.presenter.Present(r.BuildReport(false))
		}
	}
}

// Final presents the single end-of-stream report used in batch mode.
func (r *Reporter) Final() {
	r.presenter.Present(r.BuildReport(true))
}
