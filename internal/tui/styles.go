package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF")).
			Background(lipgloss.Color("#7D56F4")).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Width(10)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).MarginTop(1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).MarginTop(1)
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
)
