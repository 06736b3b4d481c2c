// Package render formats reports as styled text tables for terminal
// output. It is the default presentation collaborator in batch mode
// and the building block for the follow-mode view.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lebinh/ngxtop/internal/model"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	statusStyle = lipgloss.NewStyle().Faint(true)
)

// ConsolePresenter writes each report as plain stacked tables,
// separated by a blank line. Satisfies reporter.Presenter.
type ConsolePresenter struct {
	w io.Writer
}

// NewConsolePresenter writes reports to w.
func NewConsolePresenter(w io.Writer) *ConsolePresenter {
	return &ConsolePresenter{w: w}
}

// Present renders one report.
func (p *ConsolePresenter) Present(report model.Report) {
	fmt.Fprintln(p.w, FormatReport(report))
}

// FormatReport renders the session summary line and every table.
func FormatReport(report model.Report) string {
	var sections []string
	sections = append(sections, statusStyle.Render(SummaryLine(report)))
	for _, table := range report.Tables {
		sections = append(sections, FormatTable(table))
	}
	return strings.Join(sections, "\n\n")
}

// SummaryLine renders the one-line session status.
func SummaryLine(report model.Report) string {
	line := fmt.Sprintf("running for %.0f seconds, %d records processed: %.2f req/sec",
		report.Elapsed.Seconds(), report.Records, report.Rate)
	if report.Skipped > 0 || report.Filtered > 0 {
		line += fmt.Sprintf(" (%d lines, %d unparsed, %d filtered out)",
			report.Lines, report.Skipped, report.Filtered)
	}
	return line
}

// FormatTable renders one ranked table with aligned columns.
func FormatTable(table model.Table) string {
	widths := make([]int, len(table.Columns))
	for i, col := range table.Columns {
		widths[i] = len(col)
	}
	cells := make([][]string, len(table.Rows))
	for r, row := range table.Rows {
		cells[r] = make([]string, len(table.Columns))
		for c, col := range table.Columns {
			cell := FormatValue(row[col])
			cells[r][c] = cell
			if len(cell) > widths[c] {
				widths[c] = len(cell)
			}
		}
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(table.Name + ":"))
	b.WriteByte('\n')

	header := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		header[i] = pad(col, widths[i])
	}
	b.WriteString(headerStyle.Render(strings.Join(header, "  ")))

	for _, row := range cells {
		b.WriteByte('\n')
		padded := make([]string, len(row))
		for i, cell := range row {
			padded[i] = pad(cell, widths[i])
		}
		b.WriteString(strings.Join(padded, "  "))
	}
	if len(cells) == 0 {
		b.WriteString("\n(no rows)")
	}
	return b.String()
}

// FormatValue renders a cell: whole numbers without a fraction,
// other numbers with three decimals, strings as-is.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 3, 64)
	}
	return fmt.Sprint(v)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
