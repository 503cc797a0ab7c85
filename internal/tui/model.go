package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mtikkanen/tcpwatch/internal/pipeline"
	"github.com/mtikkanen/tcpwatch/pkg/model"
)

// Config carries everything the interactive view needs from the command
// line wiring.
type Config struct {
	Runner        *pipeline.Runner
	Delay         time.Duration
	ShowListening bool
	Version       string

	// OnSnapshot is called after every completed round, before the
	// screen updates. Used for the metrics exporter. May be nil.
	OnSnapshot func(*model.Snapshot)
}

type tickMsg time.Time

// MainModel is the single bubbletea model. It owns the round cadence:
// every tick runs one engine round on the update goroutine, so the
// tracker never sees concurrent access.
type MainModel struct {
	cfg Config

	tbl    table.Model
	search textinput.Model

	snap       *model.Snapshot
	status     string
	width      int
	height     int
	showListen bool
	replayOver bool
	quitting   bool
}

func newMainModel(cfg Config) MainModel {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}

	search := textinput.New()
	search.Placeholder = "filter"
	search.Prompt = "/"
	search.CharLimit = 64

	tbl := table.New(
		table.WithColumns(buildColumns(80)),
		table.WithFocused(true),
	)
	tbl.SetStyles(tableStyles())

	return MainModel{
		cfg:        cfg,
		tbl:        tbl,
		search:     search,
		showListen: cfg.ShowListening,
	}
}

func (m MainModel) Init() tea.Cmd {
	// First round right away, then on the configured cadence.
	return func() tea.Msg { return tickMsg(time.Now()) }
}

func (m MainModel) waitTick() tea.Cmd {
	return tea.Tick(m.cfg.Delay, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Start runs the interactive view until the user quits or a capture
// replay finishes.
func Start(cfg Config) error {
	p := tea.NewProgram(newMainModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
