package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/execflow/pkg/models"
)

// SeverityTally is a text heuristic over output lines, not a structured log level.
type SeverityTally struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
}

// DurationText renders the session duration with one decimal second, preferring
// the server-declared duration. It is empty when neither source is usable.
func DurationText(summary *models.ExecutionSummary, startedAt, completedAt string) string {
	if summary != nil {
		return formatMillis(summary.DurationMs)
	}
	if startedAt == "" || completedAt == "" {
		return ""
	}
	start, err := parseTimestamp(startedAt)
	if err != nil {
		return ""
	}
	end, err := parseTimestamp(completedAt)
	if err != nil {
		return ""
	}
	return formatMillis(end.Sub(start).Milliseconds())
}

// formatMillis rounds to tenths of a second, halves rounding down (4350ms is 4.3s).
func formatMillis(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	tenths := (ms + 49) / 100
	return fmt.Sprintf("%s%d.%ds", sign, tenths/10, tenths%10)
}

// CombinedOutput renders every line as "[HH:MM:SS] STREAM: text" in arrival order.
func CombinedOutput(lines []models.ExecutionLine) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, FormatLine(line))
	}
	return strings.Join(out, "\n")
}

// FormatLine renders one line with its local wall-clock time.
func FormatLine(line models.ExecutionLine) string {
	prefix := "[--:--:--]"
	if ts, err := parseTimestamp(line.Timestamp); err == nil {
		prefix = "[" + ts.Local().Format("15:04:05") + "]"
	}
	return fmt.Sprintf("%s %s: %s", prefix, strings.ToUpper(string(line.Stream)), line.Text)
}

// TallySeverity counts stderr lines mentioning "warning" or "deprecated" as
// warnings, other stderr lines as errors and stdout lines as infos.
func TallySeverity(lines []models.ExecutionLine) SeverityTally {
	var tally SeverityTally
	for _, line := range lines {
		if line.Stream != models.StderrStream {
			tally.Infos++
			continue
		}
		text := strings.ToLower(line.Text)
		if strings.Contains(text, "warning") || strings.Contains(text, "deprecated") {
			tally.Warnings++
		} else {
			tally.Errors++
		}
	}
	return tally
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
