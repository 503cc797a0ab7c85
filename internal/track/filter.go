package track

import (
	"net/netip"
	"strings"
	"time"
)

// PolicyFlags select which criteria of a filter are active. Local/Remote
// choose the side, Addr/Port the part of the address to compare.
type PolicyFlags uint16

const (
	PolicyLocal     PolicyFlags = 1 << 0
	PolicyRemote    PolicyFlags = 1 << 1
	PolicyAddr      PolicyFlags = 1 << 2
	PolicyPort      PolicyFlags = 1 << 3
	PolicyState     PolicyFlags = 1 << 4
	PolicyPid       PolicyFlags = 1 << 5
	PolicyAF        PolicyFlags = 1 << 6
	PolicyCloud     PolicyFlags = 1 << 7
	PolicyInterface PolicyFlags = 1 << 8
)

// String renders the active selector bits, used for group labels.
func (p PolicyFlags) String() string {
	var parts []string
	if p&PolicyLocal != 0 {
		parts = append(parts, "local")
	}
	if p&PolicyRemote != 0 {
		parts = append(parts, "remote")
	}
	if p&PolicyAddr != 0 {
		parts = append(parts, "addr")
	}
	if p&PolicyPort != 0 {
		parts = append(parts, "port")
	}
	if p&PolicyState != 0 {
		parts = append(parts, "state")
	}
	if p&PolicyAF != 0 {
		parts = append(parts, "af")
	}
	if p&PolicyCloud != 0 {
		parts = append(parts, "cloud")
	}
	if p&PolicyInterface != 0 {
		parts = append(parts, "if")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Action tells what to do with a connection matching a filter.
type Action uint8

const (
	ActionNone Action = iota
	ActionGroup
	ActionWarn
	ActionLog
	ActionIgnore
)

// CloudTimeLimit is the window of the time-proximity heuristic that groups
// bursts of related connections.
const CloudTimeLimit = 2 * time.Second

// Filter matches connections against a set of selectors chosen by the
// policy bits. A meaningful filter has at least one bit set; this is
// assumed, not enforced.
type Filter struct {
	next *Filter

	Action Action
	Family Family
	Policy PolicyFlags
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  TCPState
	Ifname string

	group      *Group
	cloudStamp time.Time
	evals      uint32
	matches    uint32
}

// NewFilter builds an empty filter with the given policy and action.
func NewFilter(policy PolicyFlags, action Action) *Filter {
	return &Filter{Policy: policy, Action: action}
}

// NewGroupedFilter builds a filter with an attached (initially empty)
// group, as used for the CLI ignore/warn rules.
func NewGroupedFilter(policy PolicyFlags, action Action) *Filter {
	f := NewFilter(policy, action)
	grp := NewGroup()
	grp.SetFilter(f)
	return f
}

// FilterFromConnection snapshots the selectors named in flags from a live
// connection, producing a filter that matches it. now stamps the cloud
// window when PolicyCloud is requested.
func FilterFromConnection(conn *Connection, flags PolicyFlags, action Action, now time.Time) *Filter {
	f := NewFilter(flags, action)
	if flags&PolicyLocal != 0 {
		f.Local = conn.Local
	}
	if flags&(PolicyRemote|PolicyCloud) != 0 {
		f.Remote = conn.Remote
	}
	if flags&PolicyState != 0 {
		f.State = conn.State
	}
	if flags&PolicyAF != 0 {
		f.Family = conn.Family
	}
	if flags&PolicyCloud != 0 {
		f.cloudStamp = now
	}
	if flags&PolicyInterface != 0 {
		f.Ifname = conn.Meta.Ifname
	}
	return f
}

// matchAddrPort compares one side's addresses under the Addr/Port policy
// bits. With neither bit set the match is vacuously true; with both, the
// whole addr:port must be equal.
func matchAddrPort(filtAddr, connAddr netip.AddrPort, pol PolicyFlags) bool {
	switch pol & (PolicyAddr | PolicyPort) {
	case PolicyAddr | PolicyPort:
		if familyOf(filtAddr.Addr()) != familyOf(connAddr.Addr()) {
			return false
		}
		return filtAddr == connAddr
	case PolicyAddr:
		if familyOf(filtAddr.Addr()) != familyOf(connAddr.Addr()) {
			return false
		}
		return filtAddr.Addr() == connAddr.Addr()
	case PolicyPort:
		return filtAddr.Port() == connAddr.Port()
	}
	return true
}

// Matches evaluates the connection against the filter's active selectors.
// The evaluation order and short-circuits are load-bearing: AF, Interface
// and Cloud gate the remaining checks, and grouping filters built by the
// engine rely on that ordering. Note the interface quirk: when either side
// has no interface name recorded the criterion counts as matched. Callers
// depend on this leniency (see the tracker's grouping by interface), so it
// stays.
func (f *Filter) Matches(conn *Connection) bool {
	f.evals++
	matched := false

	if f.Policy&PolicyAF != 0 {
		if familyOf(conn.Local.Addr()) != f.Family || familyOf(conn.Remote.Addr()) != f.Family {
			return false
		}
	}
	if f.Policy&PolicyInterface != 0 {
		switch {
		case conn.Meta.Ifname == "" || f.Ifname == "":
			log.Warn("filtering by interface with no interface name recorded")
			matched = true
		case conn.Meta.Ifname == f.Ifname:
			matched = true
		default:
			return false
		}
	}
	if f.Policy&PolicyCloud != 0 {
		if conn.Meta.Added.Sub(f.cloudStamp) < CloudTimeLimit {
			matched = true
		} else {
			return false
		}
	}
	if f.Policy&PolicyLocal != 0 {
		if !matchAddrPort(f.Local, conn.Local, f.Policy) {
			return false
		}
		matched = true
	}
	if f.Policy&PolicyRemote != 0 {
		if !matchAddrPort(f.Remote, conn.Remote, f.Policy) {
			return false
		}
		matched = true
	}
	if f.Policy&PolicyState != 0 {
		if f.State != conn.State {
			return false
		}
		matched = true
	}

	if matched {
		f.matches++
	}
	return matched
}

// HasPolicy reports whether all given bits are set. Other bits may be set
// as well.
func (f *Filter) HasPolicy(flags PolicyFlags) bool {
	if f == nil {
		return false
	}
	return f.Policy&flags == flags
}

// ConnectionCount is the size of the filter's group, 0 without a group.
func (f *Filter) ConnectionCount() int {
	if f.group == nil {
		return 0
	}
	return f.group.Size()
}

// Group returns the group attached to this filter, if any.
func (f *Filter) Group() *Group { return f.group }

// EnsureGroup returns the filter's group, creating it on first use.
func (f *Filter) EnsureGroup() *Group {
	if f.group == nil {
		NewGroup().SetFilter(f)
	}
	return f.group
}

// Next walks a filter list.
func (f *Filter) Next() *Filter { return f.next }

// Stats returns the evaluation and match counters.
func (f *Filter) Stats() (evals, matches uint32) { return f.evals, f.matches }

// MatchPolicy decides which of several matching filters in a list wins.
type MatchPolicy uint8

const (
	// LastMatch scans the whole list; the last matching filter wins. The
	// full traversal is the point ("most specific wins"), do not optimize
	// it away.
	LastMatch MatchPolicy = iota
	// FirstMatch stops at the first matching filter.
	FirstMatch
)

// AddPolicy decides where in the list a filter is inserted.
type AddPolicy uint8

const (
	AddFirst AddPolicy = iota
	AddLast
)

// FilterList is an ordered list of filters with a match policy.
type FilterList struct {
	policy MatchPolicy
	first  *Filter
}

func NewFilterList(policy MatchPolicy) *FilterList {
	return &FilterList{policy: policy}
}

// Head returns the first filter for iteration with Filter.Next.
func (l *FilterList) Head() *Filter { return l.first }

// Add inserts the filter at the head or the tail according to pol.
func (l *FilterList) Add(f *Filter, pol AddPolicy) {
	if pol == AddFirst {
		f.next = l.first
		l.first = f
		return
	}
	f.next = nil
	if l.first == nil {
		l.first = f
		return
	}
	iter := l.first
	for iter.next != nil {
		iter = iter.next
	}
	iter.next = f
}

// Match returns the filter the connection matches under the list policy,
// nil when none match.
func (l *FilterList) Match(conn *Connection) *Filter {
	var rv *Filter
	for f := l.first; f != nil; f = f.next {
		if f.Matches(conn) {
			rv = f
			if l.policy == FirstMatch {
				break
			}
		}
	}
	return rv
}

// ActionFor returns the matched filter's action, ActionNone without a
// match.
func (l *FilterList) ActionFor(conn *Connection) Action {
	if f := l.Match(conn); f != nil {
		return f.Action
	}
	return ActionNone
}
