package cli

import "github.com/charmbracelet/lipgloss"

// Theme holds the color scheme for the chat screen.
type Theme struct {
	Status  lipgloss.Color
	Self    lipgloss.Color
	Peer    lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
	Select  lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Self:    lipgloss.Color("#AF87FF"), // lavender
	Peer:    lipgloss.Color("#FFAF5F"), // orange
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
	Select:  lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status).Bold(true)
}

func (t Theme) selfStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Self).Bold(true)
}

func (t Theme) peerStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Peer).Bold(true)
}

func (t Theme) successStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) selectedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Background(t.Select).Bold(true)
}
