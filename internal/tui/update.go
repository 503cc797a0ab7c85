package tui

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mtikkanen/tcpwatch/internal/pipeline"
	"github.com/mtikkanen/tcpwatch/internal/track"
)

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tbl.SetColumns(buildColumns(m.width))
		m.tbl.SetWidth(m.width)
		m.tbl.SetHeight(m.tableHeight())
		m.refreshRows()
		return m, nil

	case tickMsg:
		return m.runRound()

	case tea.KeyMsg:
		if m.search.Focused() {
			return m.updateSearch(msg)
		}
		return m.updateKeys(msg)
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func (m MainModel) runRound() (tea.Model, tea.Cmd) {
	snap, err := m.cfg.Runner.RunRound()
	switch {
	case errors.Is(err, pipeline.ErrReplayDone):
		m.replayOver = true
		m.status = "replay finished, press q to quit"
	case err != nil:
		m.status = err.Error()
		return m, m.waitTick()
	}

	m.snap = snap
	if m.cfg.OnSnapshot != nil && snap != nil {
		m.cfg.OnSnapshot(snap)
	}
	m.refreshRows()

	if m.replayOver {
		// Leave the final state on screen, stop polling.
		return m, nil
	}
	return m, m.waitTick()
}

func (m MainModel) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.search.SetValue("")
		m.search.Blur()
		m.refreshRows()
		return m, nil
	case "enter":
		m.search.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	m.refreshRows()
	return m, cmd
}

func (m MainModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "/":
		m.search.Focus()
		return m, nil

	case "g":
		m.cycleGrouping()
		return m, nil

	case "L":
		tr := m.cfg.Runner.Tracker()
		tr.SetLingering(!tr.Lingering())
		m.status = onOff("linger", tr.Lingering())
		return m, nil

	case "n":
		res := m.cfg.Runner.Resolver()
		if res != nil {
			res.SetEnabled(!res.Enabled())
			m.status = onOff("name resolution", res.Enabled())
		}
		return m, nil

	case "l":
		m.showListen = !m.showListen
		m.status = onOff("listening sockets", m.showListen)
		m.refreshRows()
		return m, nil
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

// cycleGrouping switches the outgoing section to the next grouping key.
// The regroup drains every group back through the queue, so the new
// layout appears with the next round.
func (m *MainModel) cycleGrouping() {
	names := track.GroupingNames()
	cur := 0
	if m.snap != nil {
		for i, name := range names {
			if name == m.snap.Grouping {
				cur = i
				break
			}
		}
	}
	next := names[(cur+1)%len(names)]
	policy, _ := track.GroupingByName(next)
	if err := m.cfg.Runner.Tracker().SwitchGrouping(policy); err != nil {
		m.status = err.Error()
		return
	}
	m.status = fmt.Sprintf("grouping by %s", next)
}

func (m *MainModel) refreshRows() {
	m.tbl.SetRows(buildRows(m.snap, m.showListen, m.search.Value()))
	m.tbl.SetHeight(m.tableHeight())
}

// tableHeight leaves room for the header, status line, optional search
// line and the footer.
func (m MainModel) tableHeight() int {
	h := m.height - 4
	if m.search.Focused() || m.search.Value() != "" {
		h--
	}
	if h < 3 {
		h = 3
	}
	return h
}

func onOff(what string, on bool) string {
	if on {
		return what + " on"
	}
	return what + " off"
}
