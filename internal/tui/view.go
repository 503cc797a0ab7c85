package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("31")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	groupStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("215"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	newStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	changedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		Bold(true).
		Foreground(lipgloss.Color("252")).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	return s
}

const helpText = "q quit · g grouping · l listening · L linger · n names · / filter"

func (m MainModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("tcpwatch "+m.cfg.Version) + "  " +
		statusStyle.Render(m.headline()) + "\n")
	b.WriteString(m.tbl.View() + "\n")
	if m.search.Focused() || m.search.Value() != "" {
		b.WriteString(m.search.View() + "\n")
	}
	b.WriteString(footerStyle.Render(m.footer()))
	return b.String()
}

func (m MainModel) headline() string {
	if m.snap == nil {
		return "waiting for first round"
	}
	line := fmt.Sprintf("group: %s · %d conns", m.snap.Grouping, m.snap.TotalCount)
	if m.snap.NewCount > 0 {
		line += fmt.Sprintf(" · %d new", m.snap.NewCount)
	}
	if f := m.snap.Frames; f != nil {
		line += fmt.Sprintf(" · %d/%d frames tcp", f.TCP, f.Frames)
	}
	return line
}

func (m MainModel) footer() string {
	if m.status != "" {
		return m.status + " · " + helpText
	}
	return helpText
}
