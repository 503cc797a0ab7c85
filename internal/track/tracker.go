package track

import (
	"errors"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// LingerMaxTime is how long a closed connection stays visible in the Dead
// state when lingering is enabled.
const LingerMaxTime = 5 * time.Second

// DefaultGroupingPolicy groups outgoing connections by remote address.
const DefaultGroupingPolicy = PolicyRemote | PolicyAddr

// groupingNames maps the CLI grouping names to selector policies, in the
// order the TUI cycles through them.
var groupingNames = []struct {
	name   string
	policy PolicyFlags
}{
	{"ip", PolicyRemote | PolicyAddr},
	{"port", PolicyRemote | PolicyPort},
	{"state", PolicyState},
	{"if", PolicyInterface},
	{"cloud", PolicyCloud | PolicyRemote | PolicyAddr},
	{"cloudp", PolicyCloud | PolicyRemote | PolicyPort},
}

// GroupingByName resolves a grouping name from the CLI or the TUI.
func GroupingByName(name string) (PolicyFlags, bool) {
	for _, g := range groupingNames {
		if g.name == name {
			return g.policy, true
		}
	}
	return 0, false
}

// GroupingNames lists the known grouping names in cycle order.
func GroupingNames() []string {
	names := make([]string, len(groupingNames))
	for i, g := range groupingNames {
		names[i] = g.name
	}
	return names
}

// ErrRegroupLeftovers is returned when a grouping switch leaves
// connections still attached to a discarded group. The front end decides
// whether that inconsistency is fatal.
var ErrRegroupLeftovers = errors.New("connections left behind while regrouping")

// Config carries the tracker's configuration surface.
type Config struct {
	// TableBuckets is the connection table bucket count, a power of two.
	// Zero means the default.
	TableBuckets int
	// GroupPolicy is the grouping policy for new outgoing connections.
	// Zero means group by remote address.
	GroupPolicy PolicyFlags
	// Filters holds the user's ignore/warn/log rules. Nil means none.
	Filters *FilterList
	// Linger keeps closed connections visible for LingerMaxTime.
	Linger bool
	// Pids enables follow-pid mode when non-nil: connections are grouped
	// by owning process and everything else is discarded.
	Pids *PidTable
	// IfnameFor maps a local address to its interface name. Optional.
	// Runs at insert so interface-keyed filters see the name.
	IfnameFor func(local netip.Addr) string
	// RouteFor finds the route a remote address would take. Optional,
	// skipped for listening sockets.
	RouteFor func(remote netip.Addr) *Route
}

// Tracker is the connection lifecycle engine. It owns the connection
// table, the pending-new queue and the group lists; all mutation happens
// through it, one round at a time, from a single goroutine.
type Tracker struct {
	table   *ConnTable
	newq    *ConnQueue
	listen  *GroupList
	out     *GroupList
	filters *FilterList
	pids    *PidTable

	policy     PolicyFlags
	linger     bool
	totalCount int

	ifnameFor func(local netip.Addr) string
	routeFor  func(remote netip.Addr) *Route

	now func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	if cfg.TableBuckets == 0 {
		cfg.TableBuckets = DefaultTableBuckets
	}
	if cfg.GroupPolicy == 0 {
		cfg.GroupPolicy = DefaultGroupingPolicy
	}
	if cfg.Filters == nil {
		cfg.Filters = NewFilterList(FirstMatch)
	}
	return &Tracker{
		table:     NewConnTable(cfg.TableBuckets),
		newq:      NewConnQueue(),
		listen:    NewGroupList(),
		out:       NewGroupList(),
		filters:   cfg.Filters,
		pids:      cfg.Pids,
		policy:    cfg.GroupPolicy,
		linger:    cfg.Linger,
		ifnameFor: cfg.IfnameFor,
		routeFor:  cfg.RouteFor,
		now:       time.Now,
	}
}

func (t *Tracker) TableSize() int           { return t.table.Size() }
func (t *Tracker) TotalCount() int          { return t.totalCount }
func (t *Tracker) ListenGroups() *GroupList { return t.listen }
func (t *Tracker) OutGroups() *GroupList    { return t.out }
func (t *Tracker) Filters() *FilterList     { return t.filters }
func (t *Tracker) Pids() *PidTable          { return t.pids }
func (t *Tracker) GroupPolicy() PolicyFlags { return t.policy }
func (t *Tracker) Lingering() bool          { return t.linger }

// SetLingering toggles lingering. Turning it off does not revive already
// dead connections; they are removed on the next purge.
func (t *Tracker) SetLingering(on bool) { t.linger = on }

// Insert feeds one observed tuple into the engine. Producers call it
// exactly once per live connection per round; the inode is 0 when the
// producer has none.
func (t *Tracker) Insert(local, remote netip.AddrPort, state TCPState, inode uint64) {
	if lf, rf := familyOf(local.Addr()), familyOf(remote.Addr()); lf != rf {
		// The family-specific hash cannot key a mixed tuple; reject it
		// before the table lookup.
		log.WithError(errFamilyMismatch(lf, rf)).Warn("producer reported an inconsistent tuple")
		return
	}

	conn := t.table.Get(local, remote)
	if conn == nil {
		t.insertNew(local, remote, state, inode)
		return
	}

	if conn.Meta.Touched() {
		// Producer reported the same tuple twice this round. Undo the
		// earlier count; the fall-through re-adds this report's own so
		// the closed-connection arithmetic stays right.
		log.WithFields(logrus.Fields{
			"local":  conn.Meta.LocalString,
			"remote": conn.Meta.RemoteString,
		}).Warn("duplicate connection entry in one round")
		t.totalCount--
	}
	if conn.State != state {
		conn.State = state
		conn.Meta.Set(FlagStateChanged)
		// A state-keyed group no longer fits; send the connection back
		// through classification.
		if grp := conn.Group(); grp != nil && grp.Filter().HasPolicy(PolicyState) {
			grp.Remove(conn)
			t.newq.Push(conn)
		}
	}
	conn.Meta.Set(FlagUpdated)
	t.totalCount++
}

func (t *Tracker) insertNew(local, remote netip.AddrPort, state TCPState, inode uint64) {
	var owner *PidInfo
	if t.pids != nil {
		if owner = t.pids.ByInode(inode); owner == nil {
			return
		}
	}

	conn, err := NewConnection(local, remote, state)
	if err != nil {
		log.WithError(err).Warn("producer reported an inconsistent tuple")
		return
	}
	conn.Meta.Added = t.now()
	conn.Meta.Inode = inode
	conn.Meta.Set(FlagNew | FlagUpdated)
	if t.ifnameFor != nil {
		conn.Meta.Ifname = t.ifnameFor(local.Addr())
	}
	if state != StateListen && t.routeFor != nil {
		if rt := t.routeFor(remote.Addr()); rt != nil {
			conn.Meta.Route = rt
			if conn.Meta.Ifname == "" {
				conn.Meta.Ifname = rt.Ifname
			}
		}
	}
	t.totalCount++

	if f := t.filters.Match(conn); f != nil {
		switch f.Action {
		case ActionIgnore:
			conn.Meta.Set(FlagIgnored)
			f.EnsureGroup().Add(conn)
			t.table.Put(conn)
			return
		case ActionWarn:
			conn.Meta.Set(FlagWarn)
		case ActionLog:
			conn.Meta.Set(FlagLog)
			log.WithFields(logrus.Fields{
				"local":  conn.Meta.LocalString,
				"remote": conn.Meta.RemoteString,
				"state":  conn.State.String(),
			}).Info("connection matched log rule")
		}
	}
	t.table.Put(conn)

	switch {
	case owner != nil:
		conn.Meta.Dir = DirOutbound
		owner.Group().Add(conn)
	case state == StateListen:
		// Listening sockets anchor their own group right away instead of
		// going through the new queue. Inbound connections land in it
		// during rotation.
		f := FilterFromConnection(conn, PolicyLocal|PolicyPort|PolicyAF, ActionGroup, conn.Meta.Added)
		grp := NewGroup()
		grp.SetFilter(f)
		grp.SetParent(conn)
		t.listen.Append(grp)
	default:
		t.newq.Push(conn)
	}
}

// Rotate classifies everything on the new queue. Listening groups are
// tried before outgoing ones; a match there is how the engine infers the
// connection is inbound without the producer saying so.
func (t *Tracker) Rotate() {
	for conn := t.newq.Pop(); conn != nil; conn = t.newq.Pop() {
		if grp := t.matchAndAdd(t.listen, conn); grp != nil {
			conn.Meta.Dir = DirInbound
			continue
		}
		conn.Meta.Dir = DirOutbound
		if t.matchAndAdd(t.out, conn) != nil {
			continue
		}
		f := FilterFromConnection(conn, t.policy, ActionGroup, t.now())
		grp := NewGroup()
		grp.SetFilter(f)
		grp.Add(conn)
		t.out.Append(grp)
	}
}

func (t *Tracker) matchAndAdd(list *GroupList, conn *Connection) *Group {
	for grp := list.Head(); grp != nil; grp = grp.Next() {
		if grp.MatchAndAdd(conn) {
			return grp
		}
	}
	return nil
}

// PurgeClosed finds connections not reported this round and removes them,
// or parks them in the Dead state first when lingering. expected is how
// many closures the caller believes exist (table size minus the round's
// total); scanning stops early once that many have been found. The scan is
// monotonic, stopping early only defers work to the next round.
func (t *Tracker) PurgeClosed(expected int) {
	remaining := expected
	now := t.now()

	for f := t.filters.Head(); f != nil && remaining > 0; f = f.Next() {
		if grp := f.Group(); grp != nil {
			remaining = t.purgeGroup(grp, now, remaining)
		}
	}
	if t.pids != nil {
		for _, pi := range t.pids.Infos() {
			if remaining <= 0 {
				return
			}
			remaining = t.purgeGroup(pi.Group(), now, remaining)
		}
		return
	}
	remaining = t.purgeList(t.listen, now, remaining)
	t.purgeList(t.out, now, remaining)
}

func (t *Tracker) purgeList(list *GroupList, now time.Time, remaining int) int {
	grp := list.Head()
	for grp != nil && remaining > 0 {
		remaining = t.purgeGroup(grp, now, remaining)
		grp = list.DeleteIfEmpty(grp)
	}
	return remaining
}

func (t *Tracker) purgeGroup(grp *Group, now time.Time, remaining int) int {
	if parent := grp.Parent(); parent != nil && !parent.Meta.Touched() {
		// A vanished listener never lingers; the socket is already gone.
		// Its group stays while members drain out.
		t.table.RemoveConnection(parent)
		grp.SetParent(nil)
		remaining--
	}
	conn := grp.Head()
	for conn != nil && remaining > 0 {
		next := conn.NextInQueue()
		if !conn.Meta.Touched() {
			if t.reap(conn, now) {
				grp.Remove(conn)
			}
			remaining--
		}
		conn = next
	}
	return remaining
}

// reap closes one untouched connection. Without lingering it is removed
// from the table at once; with lingering it first turns Dead with a
// deadline and is removed on a later round once the deadline has passed.
// Reports whether the connection was actually removed.
func (t *Tracker) reap(conn *Connection, now time.Time) bool {
	if t.linger {
		if conn.State != StateDead {
			conn.State = StateDead
			conn.Meta.LingerUntil = now.Add(LingerMaxTime)
			return false
		}
		if now.Before(conn.Meta.LingerUntil) {
			return false
		}
	}
	t.table.RemoveConnection(conn)
	return true
}

// SwitchGrouping drains every outgoing group back onto the new queue,
// installs the new policy and rebuilds the groups with Rotate. A no-op
// when the policy is unchanged. Listening groups are keyed by their
// sockets, not by the grouping policy, and are left alone.
func (t *Tracker) SwitchGrouping(policy PolicyFlags) error {
	if policy == t.policy {
		return nil
	}
	for grp := t.out.Head(); grp != nil; grp = grp.Next() {
		for conn := grp.Head(); conn != nil; conn = grp.Head() {
			grp.Remove(conn)
			t.newq.Push(conn)
		}
	}
	if left := t.out.ConnectionCount(); left != 0 {
		log.WithField("count", left).Error("regroup left connections in old groups")
		return ErrRegroupLeftovers
	}
	t.out = NewGroupList()
	t.policy = policy
	t.Rotate()
	return nil
}

// ClearRound resets the per-round flags on every tracked connection and
// zeroes the round counter. Must run once per round after rendering, or
// untouched detection breaks.
func (t *Tracker) ClearRound() {
	clearList := func(list *GroupList) {
		for grp := list.Head(); grp != nil; grp = grp.Next() {
			if parent := grp.Parent(); parent != nil {
				parent.Meta.ClearRoundFlags()
			}
			for conn := grp.Head(); conn != nil; conn = conn.NextInQueue() {
				conn.Meta.ClearRoundFlags()
			}
		}
	}
	clearList(t.listen)
	clearList(t.out)
	for f := t.filters.Head(); f != nil; f = f.Next() {
		if grp := f.Group(); grp != nil {
			for conn := grp.Head(); conn != nil; conn = conn.NextInQueue() {
				conn.Meta.ClearRoundFlags()
			}
		}
	}
	if t.pids != nil {
		for _, pi := range t.pids.Infos() {
			for conn := pi.Group().Head(); conn != nil; conn = conn.NextInQueue() {
				conn.Meta.ClearRoundFlags()
			}
		}
	}
	for conn := t.newq.Head(); conn != nil; conn = conn.NextInQueue() {
		conn.Meta.ClearRoundFlags()
	}
	t.totalCount = 0
}
