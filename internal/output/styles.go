package output

import "github.com/charmbracelet/lipgloss"

// Color palette: a single lime accent over grays.
const (
	ColorLime     = "154"
	ColorGray     = "245"
	ColorDarkGray = "238"
	ColorRed      = "196"
	ColorYellow   = "220"
)

// Styles holds the text styles used for terminal output.
type Styles struct {
	Header   lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Dim      lipgloss.Style
	Label    lipgloss.Style
	Progress lipgloss.Style
}

// DefaultStyles returns colored styles for terminals.
func DefaultStyles() Styles {
	return Styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Label:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Progress: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
	}
}

// NoColorStyles returns unstyled components for pipes, files and NO_COLOR.
func NoColorStyles() Styles {
	return Styles{
		Header:   lipgloss.NewStyle(),
		Success:  lipgloss.NewStyle(),
		Warning:  lipgloss.NewStyle(),
		Error:    lipgloss.NewStyle(),
		Dim:      lipgloss.NewStyle(),
		Label:    lipgloss.NewStyle(),
		Progress: lipgloss.NewStyle(),
	}
}

// GetStyles returns the appropriate styles based on color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
