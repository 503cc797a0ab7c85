package output

import (
	"fmt"
	"io"
	"time"

	"github.com/mtikkanen/tcpwatch/pkg/model"
)

var (
	colorReset   = "\033[0m"
	colorMagenta = "\033[35m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorRed     = "\033[31m"
	colorBold    = "\033[1m"
)

// RenderText prints one snapshot as an indented section tree. Used for
// --once runs and when stdout is not a terminal.
func RenderText(w io.Writer, snap *model.Snapshot, colorEnabled bool) {
	reset, magenta, green, yellow, red, bold := "", "", "", "", "", ""
	if colorEnabled {
		reset = colorReset
		magenta = colorMagenta
		green = colorGreen
		yellow = colorYellow
		red = colorRed
		bold = colorBold
	}

	fmt.Fprintf(w, "%s%d connections%s (group: %s", bold, snap.TotalCount, reset, snap.Grouping)
	if snap.NewCount > 0 {
		fmt.Fprintf(w, ", %d new", snap.NewCount)
	}
	fmt.Fprintln(w, ")")

	section := func(name string, groups []model.GroupView) {
		if len(groups) == 0 {
			return
		}
		fmt.Fprintf(w, "%s%s%s\n", magenta, name, reset)
		for _, g := range groups {
			fmt.Fprintf(w, "  %s%s%s (%d)\n", bold, g.Label, reset, g.Count)
			for _, c := range g.Conns {
				printConn(w, c, green, yellow, red, reset)
			}
		}
	}

	if len(snap.Pids) > 0 {
		fmt.Fprintf(w, "%sprocesses%s\n", magenta, reset)
		for _, p := range snap.Pids {
			alive := ""
			if !p.Alive {
				alive = " (gone)"
			}
			fmt.Fprintf(w, "  %s%s [%d]%s%s (%d)\n", bold, p.Name, p.Pid, reset, alive, p.Group.Count)
			for _, c := range p.Group.Conns {
				printConn(w, c, green, yellow, red, reset)
			}
		}
	} else {
		section("listening", snap.Listening)
		section("outgoing", snap.Outgoing)
	}
	section("ignored", snap.Ignored)

	if f := snap.Frames; f != nil {
		fmt.Fprintf(w, "frames: %d total, %d tcp, %d non-ip, %d non-tcp, %d malformed\n",
			f.Frames, f.TCP, f.NonIP, f.NonTCP, f.Malformed)
	}
}

func printConn(w io.Writer, c model.ConnView, green, yellow, red, reset string) {
	remote := c.Remote
	if c.Hostname != "" {
		remote = c.Hostname
	}
	mark := ""
	switch {
	case c.Warn:
		mark = red + " !" + reset
	case c.New:
		mark = green + " *" + reset
	case c.StateChanged:
		mark = yellow + " ~" + reset
	}
	svc := ""
	if c.Service != "" {
		svc = " (" + c.Service + ")"
	}
	fmt.Fprintf(w, "    %s → %s%s  %s %s %s%s\n",
		c.Local, remote, svc, c.State, c.Dir, fmtAge(c.Age), mark)
}

func fmtAge(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
