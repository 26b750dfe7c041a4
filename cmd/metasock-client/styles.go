package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor = lipgloss.Color("39")  // Blue
	SuccessColor = lipgloss.Color("42")  // Green
	ErrorColor   = lipgloss.Color("196") // Red
	WarningColor = lipgloss.Color("214") // Orange
	MutedColor   = lipgloss.Color("243") // Gray
	BorderColor  = lipgloss.Color("238") // Dark gray

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	LogPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	InboundStyle  = lipgloss.NewStyle().Foreground(PrimaryColor)
	OutboundStyle = lipgloss.NewStyle().Foreground(SuccessColor)
	ErrorStyle    = lipgloss.NewStyle().Foreground(ErrorColor)
	NoticeStyle   = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)
)

func stateStyle(connected, pending bool) lipgloss.Style {
	switch {
	case connected:
		return lipgloss.NewStyle().Foreground(SuccessColor).Bold(true)
	case pending:
		return lipgloss.NewStyle().Foreground(WarningColor).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)
	}
}
