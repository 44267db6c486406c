package components

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/datamover/internal/opstore"
)

var (
	opsHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running":
		return runningStyle
	case "completed":
		return completedStyle
	case "failed":
		return failedStyle
	default:
		return pendingStyle
	}
}

// RenderOperations renders the operations table, newest first.
func RenderOperations(ops []opstore.Operation, width, maxRows int) string {
	if len(ops) == 0 {
		return "  No operations yet"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-10s %-24s %-12s %-11s %-9s %s",
		"ID", "Route", "Type", "Status", "Elapsed", "Detail")
	b.WriteString(opsHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(ops)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		op := ops[i]
		route := truncate(op.Config.SourceType+" -> "+op.Config.DestType, 24)
		status := statusStyle(string(op.Status)).Render(fmt.Sprintf("%-11s", op.Status))

		line := fmt.Sprintf("  %-10s %-24s %-12s %s %-9s %s",
			shortID(op.ID), route, op.OperationType, status,
			formatElapsed(op), truncate(detail(op), width-75))
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(ops) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more operations", len(ops)-shown))
	}

	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatElapsed(op opstore.Operation) string {
	switch {
	case op.StartedAt == nil:
		return "-"
	case op.CompletedAt != nil:
		return op.CompletedAt.Sub(*op.StartedAt).Truncate(time.Second).String()
	default:
		return time.Since(*op.StartedAt).Truncate(time.Second).String()
	}
}

// detail picks the most useful one-liner for the rightmost column: the
// failure message for failed operations, a record count for completed ones.
func detail(op opstore.Operation) string {
	if op.ErrorMessage != "" {
		return op.ErrorMessage
	}
	if len(op.Result) == 0 {
		return ""
	}
	var r struct {
		TotalTables  int   `json:"total_tables"`
		TotalRecords int64 `json:"total_records"`
	}
	if err := json.Unmarshal(op.Result, &r); err != nil {
		return ""
	}
	if r.TotalTables == 0 && r.TotalRecords == 0 {
		return ""
	}
	return fmt.Sprintf("%d tables, %s records", r.TotalTables, formatCount(r.TotalRecords))
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
