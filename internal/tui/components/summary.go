package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/datamover/internal/opstore"
)

var (
	sumLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	sumTotalStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
)

// RenderSummary renders the per-status counters on one line.
func RenderSummary(sum opstore.Summary, width int) string {
	parts := []string{
		sumTotalStyle.Render(fmt.Sprintf("%d", sum.Total)) + " " + sumLabelStyle.Render("total"),
	}
	for _, status := range []string{"pending", "running", "completed", "failed", "cancelled"} {
		n := sum.ByStatus[status]
		parts = append(parts,
			statusStyle(status).Render(fmt.Sprintf("%d", n))+" "+sumLabelStyle.Render(status))
	}
	if n := sum.ByType[string(opstore.TypeIncremental)]; n > 0 {
		parts = append(parts, sumLabelStyle.Render(fmt.Sprintf("(%d incremental)", n)))
	}
	return "  " + strings.Join(parts, "   ")
}
