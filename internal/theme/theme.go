// Package theme provides the Lip Gloss color palette and reusable styles
// for the MyQuant TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Run state colors.
var (
	ColorRunning     = lipgloss.Color("#2563eb")
	ColorPaused      = lipgloss.Color("#d97706")
	ColorFinished    = lipgloss.Color("#16a34a")
	ColorInterrupted = lipgloss.Color("#854d0e")
	ColorFailed      = lipgloss.Color("#dc2626")
	ColorDefault     = lipgloss.Color("#9ca3af")
)

// P&L colors. Red is up, green is down, as on Chinese exchanges.
var (
	ColorGain = lipgloss.Color("#ef4444")
	ColorLoss = lipgloss.Color("#22c55e")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#7c3aed")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// RunStateColor returns the color for a run status string.
func RunStateColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return ColorRunning
	case "paused":
		return ColorPaused
	case "finished":
		return ColorFinished
	case "interrupted":
		return ColorInterrupted
	case "failed":
		return ColorFailed
	default:
		return ColorDefault
	}
}

// RunStateGlyph returns a Unicode glyph for a run status string.
func RunStateGlyph(status string) string {
	switch status {
	case "running":
		return "●>"
	case "paused":
		return "‖"
	case "finished":
		return "✓"
	case "interrupted":
		return "◌"
	case "failed":
		return "✗"
	default:
		return "·"
	}
}

// ReturnColor colors a fractional return.
func ReturnColor(r float64) lipgloss.Color {
	switch {
	case r > 0:
		return ColorGain
	case r < 0:
		return ColorLoss
	default:
		return ColorDefault
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)

// Panel is the bordered box every screen renders into.
func Panel(width int) lipgloss.Style {
	if width < 40 {
		width = 40
	}
	return StyleBorder.Width(width-2).Padding(0, 1)
}
