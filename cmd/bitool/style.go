package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/bitool/internal/runlog"
)

// theme keeps the CLI colors in one place.
type theme struct {
	OK      lipgloss.Style
	Running lipgloss.Style
	Failed  lipgloss.Style
	Warn    lipgloss.Style
	Header  lipgloss.Style
	Dim     lipgloss.Style
}

var styles = theme{
	OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
	Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
	Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
}

func renderState(s runlog.State) string {
	switch s {
	case runlog.StateSucceeded:
		return styles.OK.Render(string(s))
	case runlog.StateFailed:
		return styles.Failed.Render(string(s))
	default:
		return styles.Running.Render(string(s))
	}
}

func okMark(msg string) string   { return styles.OK.Render("✓") + " " + msg }
func failMark(msg string) string { return styles.Failed.Render("✗") + " " + msg }
func warnMark(msg string) string { return styles.Warn.Render("!") + " " + msg }

// renderRunsTable lays runs out in aligned columns. Widths are measured with
// lipgloss so styled cells line up.
func renderRunsTable(runs []*runlog.Run) string {
	header := []string{"RUN", "JOB", "TOOL", "STATE", "STARTED", "DURATION"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		state := renderState(r.State)
		if r.Degraded {
			state += styles.Warn.Render(" (degraded)")
		}
		rows = append(rows, []string{
			shortID(r.ID),
			r.JobID,
			r.Tool,
			state,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
		})
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell + pad)
			if i < len(cells)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	writeRow(header, &styles.Header)
	for _, row := range rows {
		writeRow(row, nil)
	}
	if len(rows) == 0 {
		b.WriteString(styles.Dim.Render("no runs recorded") + "\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
