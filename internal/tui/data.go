package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/muesli/reflow/truncate"

	"github.com/mtikkanen/tcpwatch/pkg/model"
)

const (
	stateColWidth = 13
	dirColWidth   = 4
	ageColWidth   = 8

	// Long hostnames get an ellipsis; the marker still has to fit.
	maxConnWidth = 72
)

func buildColumns(width int) []table.Column {
	main := width - stateColWidth - dirColWidth - ageColWidth - 8
	if main < 24 {
		main = 24
	}
	return []table.Column{
		{Title: "CONNECTION", Width: main},
		{Title: "STATE", Width: stateColWidth},
		{Title: "DIR", Width: dirColWidth},
		{Title: "AGE", Width: ageColWidth},
	}
}

// buildRows flattens the snapshot into group header rows followed by
// their member connections. A non-empty filter keeps only connections
// whose text matches, and the headers above them.
func buildRows(snap *model.Snapshot, showListen bool, filter string) []table.Row {
	if snap == nil {
		return nil
	}
	filter = strings.ToLower(strings.TrimSpace(filter))

	var rows []table.Row
	add := func(section string, groups []model.GroupView) {
		secRows := sectionRows(groups, filter)
		if len(secRows) == 0 {
			return
		}
		rows = append(rows, table.Row{sectionStyle.Render(section), "", "", ""})
		rows = append(rows, secRows...)
	}

	if len(snap.Pids) > 0 {
		var groups []model.GroupView
		for _, p := range snap.Pids {
			g := p.Group
			g.Label = pidLabel(p)
			groups = append(groups, g)
		}
		add("processes", groups)
	} else {
		if showListen {
			add("listening", snap.Listening)
		}
		add("outgoing", snap.Outgoing)
	}
	add("ignored", snap.Ignored)
	return rows
}

func sectionRows(groups []model.GroupView, filter string) []table.Row {
	var rows []table.Row
	for _, g := range groups {
		var members []table.Row
		for _, c := range g.Conns {
			if filter != "" && !connMatches(c, filter) {
				continue
			}
			members = append(members, connRow(c))
		}
		if filter != "" && len(members) == 0 && !strings.Contains(strings.ToLower(g.Label), filter) {
			continue
		}
		rows = append(rows, groupRow(g))
		rows = append(rows, members...)
	}
	return rows
}

func groupRow(g model.GroupView) table.Row {
	label := fmt.Sprintf("▸ %s  (%d", g.Label, g.Count)
	if g.NewCount > 0 {
		label += fmt.Sprintf(", %d new", g.NewCount)
	}
	label += ")"
	row := table.Row{groupStyle.Render(label), "", "", ""}
	if g.Parent != nil {
		row[1] = g.Parent.State
		row[3] = fmtAge(g.Parent.Age)
	}
	return row
}

func connRow(c model.ConnView) table.Row {
	remote := c.Remote
	if c.Hostname != "" {
		remote = c.Hostname
	}
	line := fmt.Sprintf("  %s → %s", c.Local, remote)
	if c.Service != "" {
		line += " (" + c.Service + ")"
	}
	line = truncate.StringWithTail(line, maxConnWidth, "…")
	if mark := connMark(c); mark != "" {
		line += " " + mark
	}

	state := c.State
	if c.LingerLeft > 0 {
		state = fmt.Sprintf("%s %ds", c.State, int(c.LingerLeft.Seconds())+1)
	}
	return table.Row{line, state, c.Dir, fmtAge(c.Age)}
}

func connMark(c model.ConnView) string {
	switch {
	case c.Warn:
		return warnStyle.Render("!")
	case c.New:
		return newStyle.Render("*")
	case c.StateChanged:
		return changedStyle.Render("~")
	}
	return ""
}

func connMatches(c model.ConnView, filter string) bool {
	text := strings.ToLower(strings.Join([]string{
		c.Local, c.Remote, c.Hostname, c.Service, c.State, c.Ifname,
	}, " "))
	return strings.Contains(text, filter)
}

func pidLabel(p model.PidView) string {
	label := fmt.Sprintf("%s [%d]", p.Name, p.Pid)
	if !p.Alive {
		label += " (gone)"
	}
	return label
}

func fmtAge(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
