package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// isTTY reports whether stdout is a terminal; styling is skipped otherwise.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// termWidth returns the terminal width, or 0 when unknown.
func termWidth() int {
	if !isTTY() {
		return 0
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}

func render(s lipgloss.Style, text string) string {
	if !isTTY() {
		return text
	}
	return s.Render(text)
}

func RenderPass(text string) string   { return render(passStyle, text) }
func RenderWarn(text string) string   { return render(warnStyle, text) }
func RenderFail(text string) string   { return render(failStyle, text) }
func RenderAccent(text string) string { return render(accentStyle, text) }
func RenderMuted(text string) string  { return render(mutedStyle, text) }
func RenderHeader(text string) string { return render(headerStyle, text) }
