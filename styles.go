package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// catalogStyles renders `tool list` rows. Styles degrade to plain text
// when w is not a terminal.
type catalogStyles struct {
	installed lipgloss.Style
	name      lipgloss.Style
	category  lipgloss.Style
	callables lipgloss.Style
}

func newCatalogStyles(w io.Writer) catalogStyles {
	r := lipgloss.NewRenderer(w)
	return catalogStyles{
		installed: r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		name:      r.NewStyle().Width(24),
		category:  r.NewStyle().Width(16).Foreground(lipgloss.Color("6")),
		callables: r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (s catalogStyles) row(installed bool, name, category, callables string) string {
	mark := " "
	if installed {
		mark = s.installed.Render("*")
	}
	return mark + " " + s.name.Render(name) + " " + s.category.Render(category) + " " + s.callables.Render(callables)
}
