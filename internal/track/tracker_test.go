package track

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ap(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestInsertSameTupleTwiceInOneRound(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	conn := tr.table.Get(ap("10.0.0.5:5000"), ap("93.184.216.34:443"))
	require.NotNil(t, conn)
	assert.True(t, conn.Meta.Is(FlagNew))
	assert.True(t, conn.Meta.Is(FlagUpdated))
	assert.Equal(t, 1, tr.TotalCount())

	// A second report of a brand-new tuple is already a duplicate: the
	// count nets out to one, the table keeps a single entry.
	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	assert.Equal(t, 1, tr.TableSize())
	assert.Equal(t, 1, tr.TotalCount())
	assert.True(t, conn.Meta.Is(FlagUpdated))

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	assert.Equal(t, 1, tr.TotalCount())
	assert.Equal(t, 1, tr.TableSize())
}

func TestInsertDuplicateOfTrackedTupleCountsOnce(t *testing.T) {
	tr := NewTracker(Config{})
	local, remote := ap("10.0.0.5:5000"), ap("93.184.216.34:443")

	tr.Insert(local, remote, StateEstablished, 0)
	tr.Rotate()
	tr.ClearRound()

	// Next round, the producer stutters: two reports, one connection.
	tr.Insert(local, remote, StateEstablished, 0)
	tr.Insert(local, remote, StateEstablished, 0)
	assert.Equal(t, 1, tr.TotalCount())
	assert.Equal(t, 1, tr.TableSize())
}

func TestInsertDuplicateCarriesStateChange(t *testing.T) {
	tr := NewTracker(Config{})
	local, remote := ap("10.0.0.5:5000"), ap("93.184.216.34:443")

	tr.Insert(local, remote, StateEstablished, 0)
	tr.Rotate()
	tr.ClearRound()

	tr.Insert(local, remote, StateEstablished, 0)
	tr.Insert(local, remote, StateTimeWait, 0)

	conn := tr.table.Get(local, remote)
	require.NotNil(t, conn)
	assert.Equal(t, StateTimeWait, conn.State)
	assert.True(t, conn.Meta.Is(FlagStateChanged))
	assert.Equal(t, 1, tr.TotalCount())
}

func TestRotateGroupsByRemoteAddress(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Insert(ap("10.0.0.5:5001"), ap("93.184.216.34:80"), StateEstablished, 0)
	tr.Insert(ap("10.0.0.5:5002"), ap("1.1.1.1:53"), StateEstablished, 0)
	tr.Rotate()

	assert.Equal(t, 2, tr.OutGroups().Size())
	assert.Equal(t, 3, tr.OutGroups().ConnectionCount())

	conn := tr.table.Get(ap("10.0.0.5:5000"), ap("93.184.216.34:443"))
	require.NotNil(t, conn)
	require.NotNil(t, conn.Group())
	assert.Equal(t, 2, conn.Group().Size())
	assert.Equal(t, DirOutbound, conn.Meta.Dir)
}

func TestListenGroupCollectsInbound(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("0.0.0.0:22"), ap("0.0.0.0:0"), StateListen, 0)
	require.Equal(t, 1, tr.ListenGroups().Size())

	grp := tr.ListenGroups().Head()
	require.NotNil(t, grp.Parent())
	assert.Equal(t, StateListen, grp.Parent().State)
	assert.Equal(t, 0, grp.Size())

	tr.Insert(ap("10.0.0.5:22"), ap("10.0.0.9:40000"), StateEstablished, 0)
	tr.Rotate()

	assert.Equal(t, 1, grp.Size())
	assert.Equal(t, 0, tr.OutGroups().Size())
	assert.Equal(t, DirInbound, grp.Head().Meta.Dir)
}

func TestIgnoreFilterBypassesClassification(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	ignore := FilterFromConnection(ref, PolicyRemote|PolicyPort, ActionIgnore, time.Now())
	filters := NewFilterList(FirstMatch)
	filters.Add(ignore, AddLast)

	tr := NewTracker(Config{Filters: filters})
	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()

	assert.Equal(t, 0, tr.OutGroups().Size())
	assert.Equal(t, 1, ignore.ConnectionCount())
	assert.Equal(t, 1, tr.TableSize())

	conn := ignore.Group().Head()
	require.NotNil(t, conn)
	assert.True(t, conn.Meta.Is(FlagIgnored))
}

func TestWarnFilterTagsAndClassifiesNormally(t *testing.T) {
	ref := mustConn(t, "10.0.0.5:5000", "93.184.216.34:443", StateEstablished)
	filters := NewFilterList(FirstMatch)
	filters.Add(FilterFromConnection(ref, PolicyRemote|PolicyPort, ActionWarn, time.Now()), AddLast)

	tr := NewTracker(Config{Filters: filters})
	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()

	assert.Equal(t, 1, tr.OutGroups().Size())
	conn := tr.OutGroups().Head().Head()
	require.NotNil(t, conn)
	assert.True(t, conn.Meta.Is(FlagWarn))
}

func TestStateChangeLeavesStateKeyedGroup(t *testing.T) {
	policy, ok := GroupingByName("state")
	require.True(t, ok)
	tr := NewTracker(Config{GroupPolicy: policy})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()
	established := tr.OutGroups().Head()
	require.Equal(t, 1, established.Size())
	tr.ClearRound()

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateTimeWait, 0)
	conn := tr.table.Get(ap("10.0.0.5:5000"), ap("93.184.216.34:443"))
	require.NotNil(t, conn)
	assert.True(t, conn.Meta.Is(FlagStateChanged))
	assert.Equal(t, 0, established.Size())

	tr.Rotate()
	require.NotNil(t, conn.Group())
	assert.Equal(t, StateTimeWait, conn.Group().Filter().State)
}

func TestStateChangeKeepsAddressKeyedGroup(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()
	grp := tr.OutGroups().Head()
	tr.ClearRound()

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateTimeWait, 0)
	conn := tr.table.Get(ap("10.0.0.5:5000"), ap("93.184.216.34:443"))
	require.NotNil(t, conn)
	assert.True(t, conn.Meta.Is(FlagStateChanged))
	assert.Same(t, grp, conn.Group())
	assert.Equal(t, 0, grp.NewCount())
}

func TestPurgeWithoutLingering(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()
	tr.ClearRound()

	// Next round: nothing reported, the connection is gone.
	closed := tr.TableSize() - tr.TotalCount()
	require.Equal(t, 1, closed)
	tr.PurgeClosed(closed)

	assert.Equal(t, 0, tr.TableSize())
	assert.Equal(t, 0, tr.OutGroups().Size())
}

func TestPurgeWithLingering(t *testing.T) {
	tr := NewTracker(Config{Linger: true})
	cur := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return cur }

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()
	tr.ClearRound()

	tr.PurgeClosed(1)
	conn := tr.table.Get(ap("10.0.0.5:5000"), ap("93.184.216.34:443"))
	require.NotNil(t, conn)
	assert.Equal(t, StateDead, conn.State)
	assert.Equal(t, cur.Add(LingerMaxTime), conn.Meta.LingerUntil)
	assert.Equal(t, 1, tr.OutGroups().ConnectionCount())

	// Still inside the linger window.
	cur = cur.Add(LingerMaxTime / 2)
	tr.PurgeClosed(1)
	assert.Equal(t, 1, tr.TableSize())

	cur = cur.Add(LingerMaxTime)
	tr.PurgeClosed(1)
	assert.Equal(t, 0, tr.TableSize())
	assert.Equal(t, 0, tr.OutGroups().Size())
}

func TestPurgeListenParent(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("0.0.0.0:22"), ap("0.0.0.0:0"), StateListen, 0)
	tr.Rotate()
	tr.ClearRound()

	tr.PurgeClosed(1)
	assert.Equal(t, 0, tr.TableSize())
	assert.Equal(t, 0, tr.ListenGroups().Size())
}

func TestPurgeListenParentNeverLingers(t *testing.T) {
	tr := NewTracker(Config{Linger: true})

	tr.Insert(ap("0.0.0.0:22"), ap("0.0.0.0:0"), StateListen, 0)
	tr.Rotate()
	tr.ClearRound()

	// Lingering keeps closed members visible, not vanished listeners.
	tr.PurgeClosed(1)
	assert.Equal(t, 0, tr.TableSize())
	assert.Equal(t, 0, tr.ListenGroups().Size())
}

func TestSwitchGrouping(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Insert(ap("10.0.0.5:5001"), ap("1.1.1.1:443"), StateEstablished, 0)
	tr.Insert(ap("10.0.0.5:5002"), ap("1.1.1.1:53"), StateEstablished, 0)
	tr.Rotate()
	require.Equal(t, 2, tr.OutGroups().Size())

	byPort, ok := GroupingByName("port")
	require.True(t, ok)
	require.NoError(t, tr.SwitchGrouping(byPort))

	// 443 and 53 now key the groups.
	assert.Equal(t, 2, tr.OutGroups().Size())
	assert.Equal(t, 3, tr.OutGroups().ConnectionCount())
	for grp := tr.OutGroups().Head(); grp != nil; grp = grp.Next() {
		assert.True(t, grp.Filter().HasPolicy(PolicyRemote|PolicyPort))
		for conn := grp.Head(); conn != nil; conn = conn.NextInQueue() {
			assert.Same(t, grp, conn.Group())
		}
	}

	// Same policy again is a no-op.
	require.NoError(t, tr.SwitchGrouping(byPort))
	assert.Equal(t, 2, tr.OutGroups().Size())
}

func TestFollowPidDiscardsUnknownInodes(t *testing.T) {
	pids := NewPidTable()
	pi := NewPidInfo(100, "sshd")
	pi.SetInodes([]uint64{42})
	pids.Add(pi)

	tr := NewTracker(Config{Pids: pids})
	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 42)
	tr.Insert(ap("10.0.0.5:5001"), ap("1.1.1.1:443"), StateEstablished, 7)
	tr.Insert(ap("10.0.0.5:5002"), ap("1.1.1.1:53"), StateEstablished, 0)
	tr.Rotate()

	assert.Equal(t, 1, tr.TableSize())
	assert.Equal(t, 1, tr.TotalCount())
	assert.Equal(t, 1, pi.Group().Size())
	assert.Equal(t, 0, tr.OutGroups().Size())
}

func TestThreeRoundLifecycle(t *testing.T) {
	tr := NewTracker(Config{})
	local, remote := ap("10.0.0.5:5000"), ap("93.184.216.34:443")

	// Round one: a new outgoing connection.
	tr.Insert(local, remote, StateEstablished, 0)
	tr.Rotate()
	require.Equal(t, 1, tr.OutGroups().Size())
	grp := tr.OutGroups().Head()
	assert.Equal(t, 1, grp.NewCount())
	assert.Equal(t, tr.TableSize(), tr.TotalCount())
	tr.ClearRound()

	// Round two: same tuple, new state.
	tr.Insert(local, remote, StateTimeWait, 0)
	tr.Rotate()
	conn := tr.table.Get(local, remote)
	require.NotNil(t, conn)
	assert.Same(t, grp, conn.Group())
	assert.True(t, conn.Meta.Is(FlagStateChanged))
	assert.Equal(t, 0, grp.NewCount())
	tr.ClearRound()

	// Round three: gone.
	closed := tr.TableSize() - tr.TotalCount()
	require.Equal(t, 1, closed)
	tr.PurgeClosed(closed)
	assert.Equal(t, 0, tr.TableSize())
	assert.Equal(t, 0, tr.OutGroups().Size())
	tr.ClearRound()
}

func TestClearRoundResetsFlagsAndCounter(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Insert(ap("10.0.0.5:5000"), ap("93.184.216.34:443"), StateEstablished, 0)
	tr.Rotate()
	conn := tr.table.Get(ap("10.0.0.5:5000"), ap("93.184.216.34:443"))
	require.NotNil(t, conn)
	conn.Meta.Set(FlagResolved)

	tr.ClearRound()
	assert.False(t, conn.Meta.Touched())
	assert.True(t, conn.Meta.Is(FlagResolved))
	assert.Equal(t, 0, tr.TotalCount())
}

func TestInsertFamilyMismatchIsDropped(t *testing.T) {
	tr := NewTracker(Config{})
	tr.Insert(ap("10.0.0.5:5000"), ap("[2001:db8::1]:443"), StateEstablished, 0)
	tr.Insert(ap("[2001:db8::2]:5000"), ap("1.1.1.1:443"), StateEstablished, 0)
	assert.Equal(t, 0, tr.TableSize())
	assert.Equal(t, 0, tr.TotalCount())
}
