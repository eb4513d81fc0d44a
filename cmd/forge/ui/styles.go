// Package ui provides the terminal styling for forge output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors.
var (
	successColor = lipgloss.Color("#8BC34A") // Lime green
	errorColor   = lipgloss.Color("#e53935") // Red
	warnColor    = lipgloss.Color("#FFC107") // Yellow
	mutedColor   = lipgloss.Color("#808080")
	titleColor   = lipgloss.Color("#2196F3") // Blue
)

// Styles holds the render styles for forge output.
type Styles struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
}

// NewStyles builds the default styles. Honors NO_COLOR.
func NewStyles() Styles {
	if os.Getenv("NO_COLOR") != "" {
		plain := lipgloss.NewStyle()
		return Styles{
			Title:   plain,
			Bold:    plain,
			Body:    plain,
			Muted:   plain,
			Success: plain,
			Error:   plain,
			Warning: plain,
		}
	}

	return Styles{
		Title:   lipgloss.NewStyle().Foreground(titleColor).Bold(true),
		Bold:    lipgloss.NewStyle().Bold(true),
		Body:    lipgloss.NewStyle(),
		Muted:   lipgloss.NewStyle().Foreground(mutedColor),
		Success: lipgloss.NewStyle().Foreground(successColor).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(warnColor),
	}
}

// StatusStyle picks the style for a step status string.
func (s Styles) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "passed":
		return s.Success
	case "failed":
		return s.Error
	case "skipped":
		return s.Warning
	default:
		return s.Body
	}
}
