package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/service"
)

var (
	colorRed    = lipgloss.Color("#E06C75")
	colorGreen  = lipgloss.Color("#98C379")
	colorYellow = lipgloss.Color("#E5C07B")
	colorBlue   = lipgloss.Color("#61AFEF")
	colorMuted  = lipgloss.Color("#636B78")

	stderrStyle  = lipgloss.NewStyle().Foreground(colorRed)
	phaseStyle   = lipgloss.NewStyle().Foreground(colorBlue).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
)

func statusStyle(status models.ExecutionStatus) lipgloss.Style {
	switch status {
	case models.SucceededExecutionStatus:
		return successStyle
	case models.FailedExecutionStatus:
		return failureStyle
	case models.RunningExecutionStatus:
		return phaseStyle
	default:
		return mutedStyle
	}
}

// printer streams panel snapshots to a terminal, printing each line and phase once.
type printer struct {
	out io.Writer

	mu       sync.Mutex
	current  string
	lines    int
	phases   int
	terminal map[string]service.PanelState
	changed  chan struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:      out,
		terminal: make(map[string]service.PanelState),
		changed:  make(chan struct{}, 1),
	}
}

// update is the service subscriber. Snapshots arrive serialized.
func (p *printer) update(state service.PanelState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state.ExecutionID != p.current {
		p.current = state.ExecutionID
		p.lines = 0
		p.phases = 0
	}
	if len(state.Lines) < p.lines {
		p.lines = 0
	}
	if len(state.Phases) < p.phases {
		p.phases = 0
	}
	for _, phase := range state.Phases[p.phases:] {
		text := "==> " + phase.Name
		if phase.Detail != "" {
			text += ": " + phase.Detail
		}
		if phase.Total != nil {
			progress := 0
			if phase.Progress != nil {
				progress = *phase.Progress
			}
			text += fmt.Sprintf(" (%d/%d)", progress, *phase.Total)
		}
		fmt.Fprintln(p.out, phaseStyle.Render(text))
	}
	p.phases = len(state.Phases)
	for _, line := range state.Lines[p.lines:] {
		text := line.Text
		if line.Stream == models.StderrStream {
			text = stderrStyle.Render(text)
		}
		fmt.Fprintln(p.out, text)
	}
	p.lines = len(state.Lines)

	if state.ExecutionID != "" && state.Status.IsTerminal() {
		if _, seen := p.terminal[state.ExecutionID]; !seen {
			p.terminal[state.ExecutionID] = state
			select {
			case p.changed <- struct{}{}:
			default:
			}
		}
	}
}

func (p *printer) finished(executionID string) (service.PanelState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.terminal[executionID]
	return state, ok
}

// printSummary writes the closing status line of a session.
func printSummary(out io.Writer, state service.PanelState) {
	status := statusStyle(state.Status).Render(string(state.Status))
	line := fmt.Sprintf("%s %s", status, state.ExecutionID)
	if d := state.Duration(); d != "" {
		line += " in " + d
	}
	if rc := summaryResources(state.Summary); rc != "" {
		line += " " + mutedStyle.Render(rc)
	}
	fmt.Fprintln(out, line)

	tally := state.Severity()
	if tally.Errors > 0 || tally.Warnings > 0 {
		fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("%d error(s), %d warning(s), %d info line(s)", tally.Errors, tally.Warnings, tally.Infos)))
	}
	if state.Error != "" {
		fmt.Fprintln(out, failureStyle.Render("Error: "+state.Error))
		if state.RawError != "" && state.RawError != state.Error {
			fmt.Fprintln(out, mutedStyle.Render(state.RawError))
		}
	}
}

func summaryResources(summary *models.ExecutionSummary) string {
	if summary == nil || summary.ResourcesChanged == nil {
		return ""
	}
	rc := summary.ResourcesChanged
	return fmt.Sprintf("(%d created, %d configured, %d unchanged, %d deleted)", rc.Created, rc.Configured, rc.Unchanged, rc.Deleted)
}

func printRecords(out io.Writer, records []models.ExecutionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No executions found.")
		return
	}
	fmt.Fprintln(out, "Executions:")
	for _, rec := range records {
		duration := service.DurationText(rec.Summary, rec.StartedAt, "")
		if duration == "" {
			duration = "-"
		}
		fmt.Fprintf(out, "- %s  %s  started %s  duration %s\n",
			rec.ExecutionID, statusStyle(rec.Status).Render(string(rec.Status)), rec.StartedAt, duration)
	}
}

// stderrNotifier shows service notifications as terminal messages.
type stderrNotifier struct {
	out io.Writer
}

func (n stderrNotifier) Notify(message string, severity service.Severity) {
	style := mutedStyle
	switch severity {
	case service.SeverityError:
		style = failureStyle
	case service.SeverityWarning:
		style = warningStyle
	case service.SeveritySuccess:
		style = successStyle
	}
	fmt.Fprintln(n.out, style.Render(fmt.Sprintf("[%s] %s", severity, message)))
}
