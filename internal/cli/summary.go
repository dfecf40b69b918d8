package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"sitecache/internal/datacache"
	"sitecache/internal/linkpreview"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type row struct {
	label string
	value string
}

func renderRows(title string, rows []row) string {
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, titleStyle.Render(title))
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r.label)+r.value)
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func countStyle(n int, style lipgloss.Style) string {
	s := fmt.Sprintf("%d", n)
	if n == 0 {
		return s
	}
	return style.Render(s)
}

// formatReduction renders "12 KiB -> 8.0 KiB (-33%)".
func formatReduction(original, optimized int64) string {
	if original <= 0 {
		return "-"
	}
	saved := 100 * float64(original-optimized) / float64(original)
	return fmt.Sprintf("%s -> %s (-%.0f%%)", humanize.IBytes(uint64(original)), humanize.IBytes(uint64(max(optimized, 0))), saved)
}

func renderLinkSummary(s linkpreview.Summary) string {
	mode := "incremental"
	if s.Initial {
		mode = "initial"
	}
	rows := []row{
		{"dataset", s.Output},
		{"mode", mode},
		{"catalog", fmt.Sprintf("%d links (%d ineligible)", s.CatalogItems, s.Ineligible)},
		{"selected", fmt.Sprintf("%d (%d new, %d refresh)", s.Selected, s.New, s.Refreshed)},
		{"updated", countStyle(s.Updated, okStyle)},
		{"cached", fmt.Sprintf("%d", s.Cached)},
		{"failed", countStyle(s.Failed, errorStyle)},
	}
	orphans := fmt.Sprintf("%d purged", s.Orphans)
	if s.OrphansRetained {
		orphans = fmt.Sprintf("%d retained", s.Orphans)
	}
	rows = append(rows,
		row{"orphans", orphans},
		row{"size", formatReduction(s.OriginalSize, s.OptimizedSize)},
		row{"duration", s.Duration},
	)
	out := renderRows("link previews", rows)
	if len(s.Failures) > 0 {
		var b strings.Builder
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "\n%s %s %s", errorStyle.Render("x"), f.ID, mutedStyle.Render(f.Message))
		}
		out += b.String()
	}
	return out
}

func renderDataSummary(s datacache.Summary) string {
	rows := []row{
		{"processed", fmt.Sprintf("%d", s.Processed)},
		{"updated", countStyle(s.Updated, okStyle)},
		{"cached", fmt.Sprintf("%d", s.Cached)},
		{"failed", countStyle(s.Failed, errorStyle)},
		{"size", formatReduction(s.OriginalSize, s.OptimizedSize)},
		{"duration", s.Duration},
	}
	var b strings.Builder
	b.WriteString(renderRows("data cache", rows))
	for _, d := range s.Datasets {
		status := mutedStyle.Render(d.Status)
		switch d.Status {
		case datacache.StatusUpdated:
			status = okStyle.Render(d.Status)
		case datacache.StatusFailed:
			status = errorStyle.Render(d.Status)
		}
		fmt.Fprintf(&b, "\n%-8s %s %s", status, d.Name, mutedStyle.Render(firstNonEmpty(d.Message, d.Reason)))
	}
	return b.String()
}
