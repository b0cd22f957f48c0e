package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// initColorProfile picks the lipgloss color profile. AGENTWATCH_COLOR
// (truecolor, 256, 16, none) overrides detection; NO_COLOR disables color.
func initColorProfile() {
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	switch strings.ToLower(os.Getenv("AGENTWATCH_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	if ct := os.Getenv("COLORTERM"); ct == "truecolor" || ct == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	phaseStyles = map[tracker.Phase]lipgloss.Style{
		tracker.PhaseProcessing:         lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")),
		tracker.PhaseWaitingForApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true),
		tracker.PhaseWaitingForInput:    lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")),
		tracker.PhaseCompacting:         lipgloss.NewStyle().Foreground(lipgloss.Color("#bb9af7")),
		tracker.PhaseIdle:               lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		tracker.PhaseEnded:              lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Strikethrough(true),
	}
)

var phaseLabels = map[tracker.Phase]string{
	tracker.PhaseProcessing:         "working",
	tracker.PhaseWaitingForApproval: "approval",
	tracker.PhaseWaitingForInput:    "input",
	tracker.PhaseCompacting:         "compacting",
	tracker.PhaseIdle:               "idle",
	tracker.PhaseEnded:              "ended",
}

func renderPhase(p tracker.Phase) string {
	label, ok := phaseLabels[p]
	if !ok {
		label = string(p)
	}
	if style, ok := phaseStyles[p]; ok {
		return style.Render(label)
	}
	return label
}
