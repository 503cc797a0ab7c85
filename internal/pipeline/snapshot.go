package pipeline

import (
	"fmt"
	"time"

	"github.com/mtikkanen/tcpwatch/internal/resolve"
	"github.com/mtikkanen/tcpwatch/internal/track"
	"github.com/mtikkanen/tcpwatch/pkg/model"
)

func (r *Runner) buildSnapshot() *model.Snapshot {
	tr := r.cfg.Tracker
	now := r.now()

	snap := &model.Snapshot{
		Taken:      now,
		Grouping:   groupingName(tr.GroupPolicy()),
		TotalCount: tr.TotalCount(),
		TableSize:  tr.TableSize(),
	}
	for grp := tr.ListenGroups().Head(); grp != nil; grp = grp.Next() {
		snap.Listening = append(snap.Listening, viewGroup(grp, now))
	}
	for grp := tr.OutGroups().Head(); grp != nil; grp = grp.Next() {
		snap.Outgoing = append(snap.Outgoing, viewGroup(grp, now))
	}
	for f := tr.Filters().Head(); f != nil; f = f.Next() {
		if f.Action == track.ActionIgnore && f.ConnectionCount() > 0 {
			snap.Ignored = append(snap.Ignored, viewGroup(f.Group(), now))
		}
	}
	if pids := tr.Pids(); pids != nil {
		for _, pi := range pids.Infos() {
			snap.Pids = append(snap.Pids, model.PidView{
				Pid:   pi.Pid,
				Name:  pi.Name,
				Alive: pi.Alive(),
				Group: viewGroup(pi.Group(), now),
			})
		}
	}

	for _, groups := range [][]model.GroupView{snap.Listening, snap.Outgoing, snap.Ignored} {
		for _, g := range groups {
			snap.NewCount += g.NewCount
		}
	}
	for _, p := range snap.Pids {
		snap.NewCount += p.Group.NewCount
	}

	if r.cfg.Replay != nil {
		stats := r.cfg.Replay.Stats()
		snap.Frames = &stats
	}
	return snap
}

func groupingName(policy track.PolicyFlags) string {
	for _, name := range track.GroupingNames() {
		if p, ok := track.GroupingByName(name); ok && p == policy {
			return name
		}
	}
	return policy.String()
}

func viewGroup(grp *track.Group, now time.Time) model.GroupView {
	gv := model.GroupView{
		Label:    groupLabel(grp),
		Count:    grp.Size(),
		NewCount: grp.NewCount(),
	}
	if parent := grp.Parent(); parent != nil {
		pv := viewConn(parent, now)
		gv.Parent = &pv
	}
	for conn := grp.Head(); conn != nil; conn = conn.NextInQueue() {
		gv.Conns = append(gv.Conns, viewConn(conn, now))
	}
	return gv
}

func viewConn(conn *track.Connection, now time.Time) model.ConnView {
	v := model.ConnView{
		Local:        conn.Meta.LocalString,
		Remote:       conn.Meta.RemoteString,
		Hostname:     conn.Meta.RemoteHostname,
		Service:      conn.Meta.RemoteService,
		State:        conn.State.String(),
		Dir:          conn.Meta.Dir.String(),
		Ifname:       conn.Meta.Ifname,
		New:          conn.Meta.Is(track.FlagNew),
		StateChanged: conn.Meta.Is(track.FlagStateChanged),
		Warn:         conn.Meta.Is(track.FlagWarn),
		Ignored:      conn.Meta.Is(track.FlagIgnored),
	}
	if !conn.Meta.Added.IsZero() {
		v.Age = now.Sub(conn.Meta.Added)
	}
	if conn.State == track.StateDead {
		if left := conn.Meta.LingerUntil.Sub(now); left > 0 {
			v.LingerLeft = left
		}
	}
	return v
}

// groupLabel names a group by whatever its filter selects on. Address
// groups show the peer, port groups the service, burst groups a tilde
// marker.
func groupLabel(grp *track.Group) string {
	if parent := grp.Parent(); parent != nil {
		return listenLabel(parent.Local.Addr().IsUnspecified(), parent.Local.Port(), parent.Meta.LocalString)
	}
	f := grp.Filter()
	if f == nil {
		return "?"
	}
	switch {
	case f.HasPolicy(track.PolicyCloud | track.PolicyRemote | track.PolicyAddr):
		return "~" + f.Remote.Addr().Unmap().String()
	case f.HasPolicy(track.PolicyCloud | track.PolicyRemote | track.PolicyPort):
		return fmt.Sprintf("~:%d", f.Remote.Port())
	case f.HasPolicy(track.PolicyRemote | track.PolicyAddr):
		return f.Remote.Addr().Unmap().String()
	case f.HasPolicy(track.PolicyRemote | track.PolicyPort):
		if svc := resolve.ServiceName(f.Remote.Port()); svc != "" {
			return fmt.Sprintf(":%d (%s)", f.Remote.Port(), svc)
		}
		return fmt.Sprintf(":%d", f.Remote.Port())
	case f.HasPolicy(track.PolicyLocal | track.PolicyPort):
		return listenLabel(f.Local.Addr().IsUnspecified(), f.Local.Port(), f.Local.String())
	case f.HasPolicy(track.PolicyState):
		return f.State.String()
	case f.HasPolicy(track.PolicyInterface):
		if f.Ifname == "" {
			return "(no interface)"
		}
		return f.Ifname
	}
	return f.Policy.String()
}

func listenLabel(wildcard bool, port uint16, full string) string {
	if wildcard {
		return fmt.Sprintf("*:%d", port)
	}
	return full
}
