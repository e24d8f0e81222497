// Package ui provides terminal rendering helpers for the CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// RenderPass renders success markers (green).
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning markers (yellow).
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders failure markers (red).
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted text (blue).
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderDim renders de-emphasized text.
func RenderDim(s string) string { return dimStyle.Render(s) }
