// Package ui renders CLI output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1F6FEB", Dark: "#58A6FF"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"})
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// DisableColor renders everything as plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderAccent highlights headings and icons.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks something that needs attention.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks failure.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted de-emphasizes secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold emphasizes s.
func RenderBold(s string) string { return boldStyle.Render(s) }
