package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette
var (
	PrimaryColor = lipgloss.Color("#7D56F4") // Purple - titles, borders
	SuccessColor = lipgloss.Color("#43BF6D") // Green - alive entries
	ErrorColor   = lipgloss.Color("#FF5555") // Red - dead entries, errors
	WarningColor = lipgloss.Color("#FFA500") // Orange - warnings
	MutedColor   = lipgloss.Color("#626262") // Gray - secondary info
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// Layout constants
const (
	MinTerminalWidth = 60  // Minimum supported terminal width
	MaxContentWidth  = 160 // Maximum content width before capping
)

// Shared styles
var (
	// TitleStyle is for the heading above a table (e.g., "SERVICES")
	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true).
			PaddingLeft(1)

	// MutedStyle is for status lines and help text
	MutedStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	TableHeaderStyle = lipgloss.NewStyle().
				Foreground(PrimaryColor).
				Bold(true).
				Padding(0, 1)

	TableCellStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Padding(0, 1)

	AliveStyle = TableCellStyle.
			Foreground(SuccessColor)

	DeadStyle = TableCellStyle.
			Foreground(ErrorColor)

	// WarningStyle is for empty results and hints
	WarningStyle = lipgloss.NewStyle().
			Foreground(WarningColor)

	// ErrorMessageStyle is for error message text
	ErrorMessageStyle = lipgloss.NewStyle().
				Foreground(ErrorColor).
				Bold(true)
)

// GetTerminalWidth returns the terminal width clamped to the supported
// range, or 0 when stdout is not a terminal so tables size themselves.
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	if width < MinTerminalWidth {
		return MinTerminalWidth
	}
	if width > MaxContentWidth {
		return MaxContentWidth
	}
	return width
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
