package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchStateIgnoresAddresses(t *testing.T) {
	conn := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateTimeWait)
	f := FilterFromConnection(
		mustConn(t, "192.168.1.1:1", "10.9.9.9:9999", StateTimeWait),
		PolicyState, ActionGroup, time.Now())

	assert.True(t, f.Matches(conn))

	conn.State = StateEstablished
	assert.False(t, f.Matches(conn))
}

func TestMatchAddrAndPortNeedsExactEquality(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f := FilterFromConnection(ref, PolicyRemote|PolicyAddr|PolicyPort, ActionGroup, time.Now())

	assert.True(t, f.Matches(mustConn(t, "10.0.0.9:1234", "93.184.216.34:443", StateListen)))
	assert.False(t, f.Matches(mustConn(t, "10.0.0.5:5000", "93.184.216.34:444", StateEstablished)))
	assert.False(t, f.Matches(mustConn(t, "10.0.0.5:5000", "93.184.216.35:443", StateEstablished)))
}

func TestMatchPortOnlyIgnoresAddress(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f := FilterFromConnection(ref, PolicyRemote|PolicyPort, ActionGroup, time.Now())

	assert.True(t, f.Matches(mustConn(t, "10.0.0.5:5000", "1.1.1.1:443", StateEstablished)))
	assert.False(t, f.Matches(mustConn(t, "10.0.0.5:5000", "93.184.216.34:80", StateEstablished)))
}

func TestMatchAddrOnlyIgnoresPort(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f := FilterFromConnection(ref, PolicyRemote|PolicyAddr, ActionGroup, time.Now())

	assert.True(t, f.Matches(mustConn(t, "10.0.0.5:5001", "93.184.216.34:80", StateEstablished)))
	assert.False(t, f.Matches(mustConn(t, "10.0.0.5:5000", "93.184.216.35:443", StateEstablished)))
}

func TestMatchLocalSide(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f := FilterFromConnection(ref, PolicyLocal|PolicyPort, ActionGroup, time.Now())

	assert.True(t, f.Matches(mustConn(t, "192.168.0.1:5000", "1.1.1.1:80", StateEstablished)))
	assert.False(t, f.Matches(mustConn(t, "10.0.0.5:5001", "93.184.216.34:443", StateEstablished)))
}

func TestMatchFamilyGatesEverything(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f := FilterFromConnection(ref, PolicyAF|PolicyState, ActionGroup, time.Now())

	assert.True(t, f.Matches(mustConn(t, "10.0.0.9:1", "1.1.1.1:80", StateEstablished)))
	assert.False(t, f.Matches(mustConn(t, "[2001:db8::1]:5000", "[2001:db8::2]:443", StateEstablished)))
}

func TestMatchInterfaceUnsetIsVacuous(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	ref.Meta.Ifname = "eth0"
	f := FilterFromConnection(ref, PolicyInterface, ActionGroup, time.Now())

	// No interface recorded on the candidate: matches anyway. Known quirk,
	// kept on purpose.
	assert.True(t, f.Matches(mustConn(t, "10.0.0.9:1234", "1.1.1.1:80", StateEstablished)))

	same := mustConn(t, "10.0.0.9:1234", "1.1.1.1:80", StateEstablished)
	same.Meta.Ifname = "eth0"
	assert.True(t, f.Matches(same))

	other := mustConn(t, "10.0.0.9:1234", "1.1.1.1:80", StateEstablished)
	other.Meta.Ifname = "wlan0"
	assert.False(t, f.Matches(other))
}

func TestMatchCloudWindow(t *testing.T) {
	t0 := time.Now()
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	ref.Meta.Added = t0
	f := FilterFromConnection(ref, PolicyCloud, ActionGroup, t0)

	within := mustConn(t, "10.0.0.5:5001", "93.184.216.34:80", StateEstablished)
	within.Meta.Added = t0.Add(CloudTimeLimit / 2)
	assert.True(t, f.Matches(within))

	late := mustConn(t, "10.0.0.5:5002", "93.184.216.34:80", StateEstablished)
	late.Meta.Added = t0.Add(CloudTimeLimit + time.Second)
	assert.False(t, f.Matches(late))
}

func TestMatchCounters(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f := FilterFromConnection(ref, PolicyState, ActionGroup, time.Now())

	f.Matches(mustConn(t, "1.1.1.1:1", "2.2.2.2:2", StateEstablished))
	f.Matches(mustConn(t, "1.1.1.1:1", "2.2.2.2:2", StateListen))

	evals, matches := f.Stats()
	assert.Equal(t, uint32(2), evals)
	assert.Equal(t, uint32(1), matches)
}

func TestFilterListFirstVsLastMatch(t *testing.T) {
	conn := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f1 := FilterFromConnection(conn, PolicyRemote|PolicyAddr, ActionWarn, time.Now())
	f2 := FilterFromConnection(conn, PolicyRemote|PolicyPort, ActionIgnore, time.Now())

	first := NewFilterList(FirstMatch)
	first.Add(f1, AddLast)
	first.Add(f2, AddLast)
	assert.Same(t, f1, first.Match(conn))
	assert.Equal(t, ActionWarn, first.ActionFor(conn))

	last := NewFilterList(LastMatch)
	last.Add(f1, AddLast)
	last.Add(f2, AddLast)
	assert.Same(t, f2, last.Match(conn))
	assert.Equal(t, ActionIgnore, last.ActionFor(conn))
}

func TestFilterListAddFirst(t *testing.T) {
	conn := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	f1 := FilterFromConnection(conn, PolicyRemote|PolicyAddr, ActionWarn, time.Now())
	f2 := FilterFromConnection(conn, PolicyRemote|PolicyPort, ActionIgnore, time.Now())

	l := NewFilterList(FirstMatch)
	l.Add(f1, AddLast)
	l.Add(f2, AddFirst)
	assert.Same(t, f2, l.Head())
	assert.Same(t, f2, l.Match(conn))
}

func TestFilterListNoMatch(t *testing.T) {
	l := NewFilterList(FirstMatch)
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	l.Add(FilterFromConnection(ref, PolicyRemote|PolicyAddr, ActionIgnore, time.Now()), AddLast)

	other := mustConn(t, "10.0.0.5:5000", "1.1.1.1:443", StateEstablished)
	assert.Nil(t, l.Match(other))
	assert.Equal(t, ActionNone, l.ActionFor(other))
}

func TestFilterConnectionCount(t *testing.T) {
	f := NewGroupedFilter(PolicyRemote|PolicyAddr, ActionIgnore)
	assert.Equal(t, 0, f.ConnectionCount())

	f.Group().Add(mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished))
	assert.Equal(t, 1, f.ConnectionCount())
}
