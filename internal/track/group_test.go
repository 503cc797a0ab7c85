package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGroupAddRemove(t *testing.T) {
	grp := NewGroup()
	conn := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)

	grp.Add(conn)
	assert.Same(t, grp, conn.Group())
	assert.Equal(t, 1, grp.Size())
	assert.Same(t, conn, grp.Head())

	grp.Remove(conn)
	assert.Nil(t, conn.Group())
	assert.Equal(t, 0, grp.Size())
}

func TestGroupAddStealsFromOldGroup(t *testing.T) {
	g1 := NewGroup()
	g2 := NewGroup()
	conn := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)

	g1.Add(conn)
	g2.Add(conn)

	assert.Equal(t, 0, g1.Size())
	assert.Equal(t, 1, g2.Size())
	assert.Same(t, g2, conn.Group())
}

func TestGroupRemoveForeignIsNoop(t *testing.T) {
	g1 := NewGroup()
	g2 := NewGroup()
	conn := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	g1.Add(conn)

	g2.Remove(conn)
	assert.Same(t, g1, conn.Group())
	assert.Equal(t, 1, g1.Size())
}

func TestGroupMatchAndAdd(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	grp := NewGroup()
	grp.SetFilter(FilterFromConnection(ref, PolicyRemote|PolicyAddr, ActionGroup, time.Now()))

	same := mustConn(t, "10.0.0.5:5001", "93.184.216.34:80", StateEstablished)
	other := mustConn(t, "10.0.0.5:5002", "1.1.1.1:80", StateEstablished)

	assert.True(t, grp.MatchAndAdd(same))
	assert.False(t, grp.MatchAndAdd(other))
	assert.Equal(t, 1, grp.Size())
	assert.Nil(t, other.Group())
}

func TestGroupNewCount(t *testing.T) {
	grp := NewGroup()
	a := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	b := mustConn(t, "10.0.0.5:5001", "93.184.216.34:443", StateEstablished)
	a.Meta.Set(FlagNew)
	grp.Add(a)
	grp.Add(b)

	assert.Equal(t, 1, grp.NewCount())
}

func TestGroupListDeleteIfEmpty(t *testing.T) {
	l := NewGroupList()
	empty := NewGroup()
	full := NewGroup()
	full.Add(mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished))
	parented := NewGroup()
	parented.SetParent(mustConn(t, "0.0.0.0:22", "0.0.0.0:0", StateListen))

	l.Append(empty)
	l.Append(full)
	l.Append(parented)

	next := l.DeleteIfEmpty(empty)
	assert.Same(t, full, next)
	assert.Equal(t, 2, l.Size())

	next = l.DeleteIfEmpty(full)
	assert.Same(t, parented, next)
	assert.Equal(t, 2, l.Size())

	next = l.DeleteIfEmpty(parented)
	assert.Nil(t, next)
	assert.Equal(t, 2, l.Size())
}

func TestGroupListCounts(t *testing.T) {
	l := NewGroupList()

	listen := NewGroup()
	listen.SetParent(mustConn(t, "0.0.0.0:22", "0.0.0.0:0", StateListen))
	listen.Add(mustConn(t, "10.0.0.5:22", "10.0.0.9:40000", StateEstablished))

	out := NewGroup()
	out.Add(mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished))
	out.Add(mustConn(t, "10.0.0.5:5001", "93.184.216.34:80", StateEstablished))

	l.Append(listen)
	l.Append(out)

	assert.Equal(t, 3, l.ConnectionCount())
	assert.Equal(t, 1, l.ParentCount())
}

func TestGroupListOrder(t *testing.T) {
	l := NewGroupList()
	a := NewGroup()
	b := NewGroup()
	c := NewGroup()
	l.Append(a)
	l.Append(b)
	l.Prepend(c)

	assert.Same(t, c, l.Head())
	assert.Same(t, a, c.Next())
	assert.Same(t, b, a.Next())
}
