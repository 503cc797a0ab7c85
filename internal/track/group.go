package track

// Group is a set of connections sharing the selectors of its filter. The
// filter and group point at each other; members carry a back pointer so
// removal is O(1).
type Group struct {
	next   *Group
	filter *Filter
	conns  ConnQueue
	parent *Connection
}

func NewGroup() *Group { return &Group{} }

// SetFilter attaches the selector and wires the back pointer.
func (g *Group) SetFilter(f *Filter) {
	g.filter = f
	if f != nil {
		f.group = g
	}
}

func (g *Group) Filter() *Filter { return g.filter }
func (g *Group) Size() int       { return g.conns.Size() }

// Head returns the first member, for iteration with NextInQueue.
func (g *Group) Head() *Connection { return g.conns.Head() }

// Parent is the listening connection this group was synthesized for, nil
// for ordinary groups.
func (g *Group) Parent() *Connection     { return g.parent }
func (g *Group) SetParent(c *Connection) { g.parent = c }

// Add pushes the connection into the group. A connection belongs to at
// most one group; adding one that is already grouped is caller misuse and
// the old membership is cut first.
func (g *Group) Add(conn *Connection) {
	if conn.group != nil {
		log.Warn("adding an already grouped connection, removing old membership")
		conn.group.Remove(conn)
	}
	g.conns.Push(conn)
	conn.group = g
}

// Remove unlinks a member. Removing a connection from a group it is not on
// is caller misuse and ignored.
func (g *Group) Remove(conn *Connection) {
	if conn.group != g {
		log.Warn("removing connection from a group it does not belong to")
		return
	}
	g.conns.Remove(conn)
	conn.group = nil
}

// MatchAndAdd adds the connection if it fits this group's selector and
// reports whether it did. A group without a filter accepts everything.
func (g *Group) MatchAndAdd(conn *Connection) bool {
	if g.filter != nil && !g.filter.Matches(conn) {
		return false
	}
	g.Add(conn)
	return true
}

// NewCount counts members carrying the New flag.
func (g *Group) NewCount() int {
	count := 0
	for c := g.conns.Head(); c != nil; c = c.NextInQueue() {
		if c.Meta.Is(FlagNew) {
			count++
		}
	}
	return count
}

// Policy is the selector policy of the group's filter.
func (g *Group) Policy() PolicyFlags {
	if g.filter == nil {
		return 0
	}
	return g.filter.Policy
}

// GroupList is an ordered list of groups. Order matters: classification
// tries groups front to back and the engine prepends listen groups so they
// win over plain outbound ones.
type GroupList struct {
	first *Group
	size  int
}

func NewGroupList() *GroupList { return &GroupList{} }

func (l *GroupList) Size() int    { return l.size }
func (l *GroupList) Head() *Group { return l.first }

func (l *GroupList) Prepend(g *Group) {
	g.next = l.first
	l.first = g
	l.size++
}

func (l *GroupList) Append(g *Group) {
	g.next = nil
	l.size++
	if l.first == nil {
		l.first = g
		return
	}
	iter := l.first
	for iter.next != nil {
		iter = iter.next
	}
	iter.next = g
}

// Remove unlinks the group from the list. Unknown groups are ignored.
func (l *GroupList) Remove(g *Group) {
	switch {
	case l.first == nil:
		return
	case l.first == g:
		l.first = g.next
		g.next = nil
		l.size--
		return
	}
	for iter := l.first; iter.next != nil; iter = iter.next {
		if iter.next == g {
			iter.next = g.next
			g.next = nil
			l.size--
			return
		}
	}
}

// DeleteIfEmpty removes the group from the list if it has no members and
// no parent. The successor in list order is returned either way, so
// callers can iterate while deleting.
func (l *GroupList) DeleteIfEmpty(g *Group) *Group {
	next := g.next
	if g.Size() == 0 && g.parent == nil {
		l.Remove(g)
	}
	return next
}

// ConnectionCount sums member counts across all groups. Parents are not
// members and are not counted.
func (l *GroupList) ConnectionCount() int {
	count := 0
	for g := l.first; g != nil; g = g.next {
		count += g.Size()
	}
	return count
}

// ParentCount counts groups anchored to a listening connection.
func (l *GroupList) ParentCount() int {
	count := 0
	for g := l.first; g != nil; g = g.next {
		if g.parent != nil {
			count++
		}
	}
	return count
}

// Next walks the list from a member group.
func (g *Group) Next() *Group { return g.next }
