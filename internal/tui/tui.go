// Package tui is the follow-mode full-screen view: it repaints the
// latest report on every tick, like top does.
package tui

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lebinh/ngxtop/internal/model"
	"github.com/lebinh/ngxtop/internal/render"
)

var helpStyle = lipgloss.NewStyle().Faint(true)

// ReportMsg delivers a fresh report to the view.
type ReportMsg model.Report

// Model is the Bubble Tea model for the live report view.
type Model struct {
	report model.Report
	got    bool
	width  int
	height int
}

// NewModel creates an empty view; it shows a waiting notice until the
// first report arrives.
func NewModel() Model { return Model{} }

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case ReportMsg:
		m.report = model.Report(msg)
		m.got = true
	}
	return m, nil
}

func (m Model) View() string {
	if !m.got {
		return "waiting for the first report...\n\n" + helpStyle.Render("q to quit")
	}
	var b strings.Builder
	b.WriteString(render.FormatReport(m.report))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("q to quit"))
	return b.String()
}

// Presenter feeds reports into a running Bubble Tea program and keeps
// the most recent one so the caller can print the final snapshot after
// the screen is torn down. Satisfies reporter.Presenter.
type Presenter struct {
	mu      sync.Mutex
	program *tea.Program
	last    model.Report
}

// NewPresenter wraps program.
func NewPresenter(program *tea.Program) *Presenter {
	return &Presenter{program: program}
}

// Present records the report and pushes it to the view.
func (p *Presenter) Present(r model.Report) {
	p.mu.Lock()
	p.last = r
	p.mu.Unlock()
	p.program.Send(ReportMsg(r))
}

// Last returns the most recent report.
func (p *Presenter) Last() model.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// NewProgram builds the program with the usual full-screen options.
func NewProgram(m Model) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

// RunError normalizes the common failure of starting a full-screen
// view without a terminal.
func RunError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
		return fmt.Errorf("the live view requires a terminal; use --no-follow or pipe through a file")
	}
	return fmt.Errorf("error running live view: %w", err)
}
