package track

import (
	"net/netip"
	"time"
)

// TCPState mirrors the kernel's TCP state numbering from
// include/net/tcp_states.h. StateDead is not a kernel state; it marks a
// closed connection kept visible while lingering and is never reported by
// producers.
type TCPState uint8

const (
	StateDead TCPState = iota
	StateEstablished
	StateSynSent
	StateSynRecv
	StateFinWait1
	StateFinWait2
	StateTimeWait
	StateClose
	StateCloseWait
	StateLastAck
	StateListen
	StateClosing
)

func (s TCPState) String() string {
	switch s {
	case StateDead:
		return "CLOSED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecv:
		return "SYN_RECV"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateClose:
		return "CLOSE"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateListen:
		return "LISTEN"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// Family is the address family of a connection's endpoints.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func familyOf(addr netip.Addr) Family {
	switch {
	case addr.Is4() || addr.Is4In6():
		return FamilyIPv4
	case addr.Is6():
		return FamilyIPv6
	}
	return FamilyUnspec
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "inet"
	case FamilyIPv6:
		return "inet6"
	}
	return "unspec"
}

// Direction of a connection as inferred during classification.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirOutbound
	DirInbound
)

func (d Direction) String() string {
	switch d {
	case DirOutbound:
		return "out"
	case DirInbound:
		return "in"
	}
	return "?"
}

// Flags is the per-connection metadata bitset. The touched mask spans
// New|Updated|StateChanged; purge relies on it to detect connections not
// reported in the current round.
type Flags uint8

const (
	FlagStateChanged Flags = 1 << 0
	FlagNew          Flags = 1 << 1
	FlagUpdated      Flags = 1 << 2
	FlagResolved     Flags = 1 << 4
	FlagIgnored      Flags = 1 << 5
	FlagWarn         Flags = 1 << 6
	FlagLog          Flags = 1 << 7

	touchedMask = FlagStateChanged | FlagNew | FlagUpdated
	// roundMask covers the flags reset between rounds. Resolved, Warn and
	// Log describe the connection, not the round, and survive the reset.
	roundMask = FlagStateChanged | FlagNew | FlagUpdated | FlagIgnored
)

// Route is filled in by the route scout for outgoing connections.
type Route struct {
	Dest    netip.Prefix
	Gateway netip.Addr
	Ifname  string
}

// Metadata carries the mutable per-round bookkeeping of a connection.
type Metadata struct {
	Added          time.Time
	Dir            Direction
	Ifname         string
	Inode          uint64
	RemoteHostname string
	RemoteService  string
	LocalString    string
	RemoteString   string
	LingerUntil    time.Time
	Route          *Route

	flags Flags
}

func (m *Metadata) Set(f Flags)     { m.flags |= f }
func (m *Metadata) Is(f Flags) bool { return m.flags&f != 0 }

// Touched reports whether the connection was seen by a producer this round.
func (m *Metadata) Touched() bool { return m.flags&touchedMask != 0 }

// ClearRoundFlags resets the per-round bits and keeps the per-connection
// ones (Resolved, Warn, Log).
func (m *Metadata) ClearRoundFlags() { m.flags &^= roundMask }

// Connection is one observed TCP endpoint pair, identified by the ordered
// (local, remote) addr:port tuple. The prev/next links are owned by
// whichever ConnQueue currently holds the connection; group points back to
// the owning Group and is non-nil exactly while the connection sits in that
// group's queue.
type Connection struct {
	Family Family
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  TCPState

	Meta Metadata

	prev, next *Connection
	group      *Group
}

// NewConnection builds a connection for the given tuple. Both endpoints
// must be of the same address family.
func NewConnection(local, remote netip.AddrPort, state TCPState) (*Connection, error) {
	lf, rf := familyOf(local.Addr()), familyOf(remote.Addr())
	if lf != rf {
		return nil, errFamilyMismatch(lf, rf)
	}
	c := &Connection{
		Family: lf,
		Local:  local,
		Remote: remote,
		State:  state,
	}
	c.makeAddrStrings()
	return c, nil
}

type familyMismatchError struct {
	local, remote Family
}

func errFamilyMismatch(l, r Family) error {
	return &familyMismatchError{local: l, remote: r}
}

func (e *familyMismatchError) Error() string {
	return "address family mismatch: local " + e.local.String() + ", remote " + e.remote.String()
}

// Group returns the group currently holding this connection, nil if the
// connection is unclassified.
func (c *Connection) Group() *Group { return c.group }

// NextInQueue walks the intrusive list of the queue holding the connection.
func (c *Connection) NextInQueue() *Connection { return c.next }

const anyAddrString = "*"

// makeAddrStrings caches the textual endpoint forms so renderers do not
// re-format on every frame. An unspecified local address renders as "*".
func (c *Connection) makeAddrStrings() {
	if c.Local.Addr().IsUnspecified() {
		c.Meta.LocalString = anyAddrString
	} else {
		c.Meta.LocalString = c.Local.String()
	}
	c.Meta.RemoteString = c.Remote.String()
}
