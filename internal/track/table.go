package track

import (
	"encoding/binary"
	"net/netip"
)

// DefaultTableBuckets is the default bucket count of the connection table.
// The hash mask requires a power of two.
const DefaultTableBuckets = 256

type tableNode struct {
	conn *Connection
	next *tableNode
}

// ConnTable is a fixed-bucket hash table keyed by the ordered
// (local, remote) tuple. The hash mimics a BSD kernel's protocol control
// block hash: asymmetric, family specific, cheap, and deliberately not
// resistant to adversarial keys.
type ConnTable struct {
	buckets []*tableNode
	size    int
}

// NewConnTable builds a table with the given bucket count. A count that is
// not a positive power of two is caller misuse; it is logged and replaced
// with the default.
func NewConnTable(buckets int) *ConnTable {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		log.WithField("buckets", buckets).Warn("table size must be a power of two, using default")
		buckets = DefaultTableBuckets
	}
	return &ConnTable{buckets: make([]*tableNode, buckets)}
}

func (t *ConnTable) Size() int       { return t.size }
func (t *ConnTable) NumBuckets() int { return len(t.buckets) }

func hash4(local, remote netip.AddrPort, mask uint32) uint32 {
	r := remote.Addr().As4()
	h := binary.BigEndian.Uint32(r[:]) + uint32(local.Port()) + uint32(remote.Port())
	return h & mask
}

func hash6(local, remote netip.AddrPort, mask uint32) uint32 {
	r := remote.Addr().As16()
	h := binary.BigEndian.Uint32(r[0:4]) ^ binary.LittleEndian.Uint32(r[12:16])
	h += uint32(remote.Port()) + uint32(local.Port())
	return h & mask
}

func (t *ConnTable) bucketFor(local, remote netip.AddrPort) uint32 {
	mask := uint32(len(t.buckets) - 1)
	if familyOf(local.Addr()) == FamilyIPv4 {
		return hash4(local, remote, mask)
	}
	return hash6(local, remote, mask)
}

// Put prepends the connection to its bucket. No duplicate check is made;
// keeping the key unique is the caller's job.
func (t *ConnTable) Put(conn *Connection) {
	h := t.bucketFor(conn.Local, conn.Remote)
	t.buckets[h] = &tableNode{conn: conn, next: t.buckets[h]}
	t.size++
}

func keysEqual(local, remote netip.AddrPort, conn *Connection) bool {
	if familyOf(local.Addr()) != conn.Family {
		return false
	}
	return conn.Local == local && conn.Remote == remote
}

// Get returns the connection stored under the tuple, nil on a miss. A miss
// is an ordinary outcome, not an error.
func (t *ConnTable) Get(local, remote netip.AddrPort) *Connection {
	for node := t.buckets[t.bucketFor(local, remote)]; node != nil; node = node.next {
		if keysEqual(local, remote, node.conn) {
			return node.conn
		}
	}
	return nil
}

// Remove unlinks and returns the connection stored under the tuple.
// Removing a key that is not present is caller misuse: logged, nil
// returned, nothing else happens.
func (t *ConnTable) Remove(local, remote netip.AddrPort) *Connection {
	h := t.bucketFor(local, remote)
	node := t.buckets[h]
	if node == nil {
		log.Warn("removing connection not present in the table")
		return nil
	}
	if keysEqual(local, remote, node.conn) {
		t.buckets[h] = node.next
		t.size--
		return node.conn
	}
	for ; node.next != nil; node = node.next {
		if keysEqual(local, remote, node.next.conn) {
			removed := node.next
			node.next = removed.next
			t.size--
			return removed.conn
		}
	}
	log.Warn("removing connection not present in the table")
	return nil
}

// RemoveConnection removes the entry keyed by the connection's own tuple.
func (t *ConnTable) RemoveConnection(conn *Connection) *Connection {
	return t.Remove(conn.Local, conn.Remote)
}

// Clear drops every entry. The connections themselves are untouched; the
// caller decides their disposal.
func (t *ConnTable) Clear() {
	for i := range t.buckets {
		for t.buckets[i] != nil {
			t.RemoveConnection(t.buckets[i].conn)
		}
	}
}
