package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

var (
	colorCyan  = lipgloss.Color("#00FFFF")
	colorGreen = lipgloss.Color("#00FF00")
	colorRed   = lipgloss.Color("#FF0000")
	colorGray  = lipgloss.Color("#666666")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	successStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	transcriptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorCyan).
			Padding(0, 1)

	methodStyle = lipgloss.NewStyle().
			Bold(true).
			Width(20)
)

func severityStyle(s session.Severity) lipgloss.Style {
	switch s {
	case session.SeveritySuccess:
		return successStyle
	case session.SeverityError:
		return errorStyle
	default:
		return dimStyle
	}
}

func renderLog(w io.Writer, entries []session.LogEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("["+e.Timestamp+"]"), severityStyle(e.Severity).Render(e.Message))
	}
}

func renderOutcome(w io.Writer, outcome session.Outcome) {
	fmt.Fprintln(w, titleStyle.Render("Transcription"))
	fmt.Fprintln(w, transcriptStyle.Render(outcome.Text))

	meta := []string{fmt.Sprintf("%.2fs", outcome.RecognitionTime.Seconds())}
	if outcome.Confidence != nil {
		meta = append(meta, fmt.Sprintf("confidence %.0f%%", *outcome.Confidence*100))
	}
	fmt.Fprintln(w, dimStyle.Render(strings.Join(meta, " · ")))

	if len(outcome.Alternatives) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Alternatives"))
		for i, alt := range outcome.Alternatives {
			fmt.Fprintf(w, "  %d. %s\n", i+1, alt.Text)
		}
	}
}

func renderComparison(w io.Writer, results map[string]session.MethodResult) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, titleStyle.Render("Comparison"))
	for _, name := range names {
		r := results[name]
		if !r.OK() {
			fmt.Fprintf(w, "%s %s\n", methodStyle.Render(name), errorStyle.Render(r.Failure))
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", methodStyle.Render(name), r.Text, dimStyle.Render(fmt.Sprintf("(%.2fs)", r.Elapsed.Seconds())))
	}
}
