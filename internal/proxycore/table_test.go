package proxycore

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/igmpproxy/igmpproxy/internal/timerqueue"
)

func testLog() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func Test_IsValidGroup(t *testing.T) {
	assert.True(t, IsValidGroup(netip.MustParseAddr("224.1.1.1")))
	assert.False(t, IsValidGroup(netip.MustParseAddr("224.0.0.1")))
	assert.False(t, IsValidGroup(netip.MustParseAddr("10.0.0.1")))
	assert.False(t, IsValidGroup(netip.MustParseAddr("::1")))
}

func newTestTable() (*Table, *fakeRegistry, *fakeSocket, *fakeKernel) {
	downstream := Iface{Index: 1, Addr: netip.MustParseAddr("10.0.1.1"), State: IfaceDownstream, Up: true}
	upstream := Iface{Index: 2, Addr: netip.MustParseAddr("10.0.2.1"), State: IfaceUpstream, Up: true}
	registry := newFakeRegistry(downstream, upstream)
	socket := &fakeSocket{}
	kernel := &fakeKernel{}
	cfg := DefaultConfig()
	table := NewTable(registry, socket, kernel, upstream.Index, cfg, timerqueue.New(), time.Now, testLog())
	return table, registry, socket, kernel
}

func Test_TableInsertOrRefreshRejectsInvalidGroup(t *testing.T) {
	table, _, _, _ := newTestTable()
	err := table.InsertOrRefresh(netip.MustParseAddr("10.0.0.1"), 1, netip.MustParseAddr("10.0.1.5"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func Test_TableInsertOrRefreshRejectsUnknownInterface(t *testing.T) {
	table, _, _, _ := newTestTable()
	err := table.InsertOrRefresh(netip.MustParseAddr("224.1.1.1"), 99, netip.MustParseAddr("10.0.1.5"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func Test_TableInsertOrRefreshJoinsUpstream(t *testing.T) {
	table, _, socket, _ := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")

	err := table.InsertOrRefresh(group, 1, netip.MustParseAddr("10.0.1.5"))
	require.NoError(t, err)

	entry, ok := table.Find(group)
	require.True(t, ok)
	assert.Equal(t, Joined, entry.UpstreamState)
	assert.Equal(t, []netip.Addr{group}, socket.joined)
}

func Test_TableUpstreamJoinRetriesOnFailureThenSucceeds(t *testing.T) {
	downstream := Iface{Index: 1, Addr: netip.MustParseAddr("10.0.1.1"), State: IfaceDownstream, Up: true}
	upstream := Iface{Index: 2, Addr: netip.MustParseAddr("10.0.2.1"), State: IfaceUpstream, Up: true}
	registry := newFakeRegistry(downstream, upstream)
	socket := &fakeSocket{failJoinUntil: 1}
	kernel := &fakeKernel{}
	cfg := DefaultConfig()
	cfg.UpstreamJoinBackoff = BackoffConfig{Min: time.Millisecond, Max: 10 * time.Millisecond}

	queue := timerqueue.New()
	clock := time.Unix(0, 0)
	now := func() time.Time { return clock }
	table := NewTable(registry, socket, kernel, upstream.Index, cfg, queue, now, testLog())

	group := netip.MustParseAddr("224.1.1.1")
	require.NoError(t, table.InsertOrRefresh(group, 1, netip.MustParseAddr("10.0.1.5")))

	entry, ok := table.Find(group)
	require.True(t, ok)
	assert.NotEqual(t, Joined, entry.UpstreamState, "first join attempt failed, the retry must not be silently dropped")
	assert.Empty(t, socket.joined)
	require.Equal(t, 1, queue.Len(), "a retry must be scheduled on the timer queue rather than blocking")

	clock = clock.Add(cfg.UpstreamJoinBackoff.Max)
	queue.Tick(clock)

	assert.Equal(t, Joined, entry.UpstreamState)
	assert.Equal(t, []netip.Addr{group}, socket.joined)
}

func Test_TableInsertOrRefreshInstallsOnceOriginKnown(t *testing.T) {
	table, _, _, kernel := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")

	require.NoError(t, table.InsertOrRefresh(group, 1, netip.MustParseAddr("10.0.1.5")))
	assert.Empty(t, kernel.added)

	require.NoError(t, table.Activate(group, netip.MustParseAddr("10.0.2.9")))
	require.Len(t, kernel.added, 1)
	assert.Equal(t, group, kernel.added[0].Group)
}

func Test_TableActivateWarnsOnOriginChangeButKeepsRoute(t *testing.T) {
	table, _, _, kernel := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")

	require.NoError(t, table.InsertOrRefresh(group, 1, netip.MustParseAddr("10.0.1.5")))
	require.NoError(t, table.Activate(group, netip.MustParseAddr("10.0.2.9")))
	require.NoError(t, table.Activate(group, netip.MustParseAddr("10.0.2.99")))

	entry, ok := table.Find(group)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.2.99"), entry.Origin)
}

func Test_TableLeaveFastUpstreamLeaveDestroysImmediately(t *testing.T) {
	table, _, socket, kernel := newTestTable()
	table.cfg.FastUpstreamLeave = true
	group := netip.MustParseAddr("224.1.1.1")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(group, 1, src))
	require.NoError(t, table.Activate(group, netip.MustParseAddr("10.0.2.9")))

	needsProbe := table.Leave(group, 1, src)
	assert.False(t, needsProbe)

	_, ok := table.Find(group)
	assert.False(t, ok)
	assert.Equal(t, []netip.Addr{group}, socket.left)
	assert.Len(t, kernel.deleted, 1)
}

func Test_TableLeaveWithoutFastUpstreamLeaveNeedsProbe(t *testing.T) {
	table, _, _, _ := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(group, 1, src))

	needsProbe := table.Leave(group, 1, src)
	assert.True(t, needsProbe)

	entry, ok := table.Find(group)
	require.True(t, ok)
	assert.Equal(t, 0, entry.Subscribers.Len())
}

func Test_TableLastMemberAgeDestroysWhenNoRefresh(t *testing.T) {
	table, _, _, _ := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(group, 1, src))
	table.Leave(group, 1, src)
	table.SetLastMemberMode(group)

	for i := 0; i < table.cfg.LastMemberQueryCount+1; i++ {
		table.LastMemberAge(group)
	}

	_, ok := table.Find(group)
	assert.False(t, ok)
}

func Test_TableLastMemberAgeRevertsWhenRefreshed(t *testing.T) {
	table, _, _, _ := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(group, 1, src))
	table.Leave(group, 1, src)
	table.SetLastMemberMode(group)

	require.NoError(t, table.InsertOrRefresh(group, 1, src))

	entry, ok := table.Find(group)
	require.True(t, ok)
	assert.Equal(t, Joined, entry.UpstreamState)
}

func Test_TableAgeAllDestroysStaleRoutes(t *testing.T) {
	table, _, socket, _ := newTestTable()
	table.cfg.Robustness = 1
	group := netip.MustParseAddr("224.1.1.1")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(group, 1, src))

	// The first sweep observes age_vif_bits still confirming the bit set by
	// InsertOrRefresh and refreshes age_value; only a second sweep with no
	// intervening report actually decays the route.
	table.AgeAll()
	_, ok := table.Find(group)
	require.True(t, ok)

	table.AgeAll()
	_, ok = table.Find(group)
	assert.False(t, ok)
	assert.Contains(t, socket.left, group)
}

func Test_TableClearAllDestroysEverything(t *testing.T) {
	table, _, socket, kernel := newTestTable()
	g1 := netip.MustParseAddr("224.1.1.1")
	g2 := netip.MustParseAddr("224.1.1.2")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(g1, 1, src))
	require.NoError(t, table.InsertOrRefresh(g2, 1, src))
	require.NoError(t, table.Activate(g1, netip.MustParseAddr("10.0.2.9")))

	table.ClearAll()

	assert.Equal(t, 0, table.Len())
	assert.ElementsMatch(t, []netip.Addr{g1, g2}, socket.left)
	assert.Len(t, kernel.deleted, 1)
}

func Test_TableDumpReflectsActiveRoutes(t *testing.T) {
	table, _, _, _ := newTestTable()
	group := netip.MustParseAddr("224.1.1.1")
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(group, 1, src))
	require.NoError(t, table.Activate(group, netip.MustParseAddr("10.0.2.9")))

	snap := table.Dump()
	require.Len(t, snap, 1)
	assert.Equal(t, group, snap[0].Group)
	assert.Equal(t, netip.MustParseAddr("10.0.2.9"), snap[0].Origin)
	assert.Equal(t, Joined, snap[0].UpstreamState)
	assert.Equal(t, 1, snap[0].Subscribers)
	assert.Equal(t, []uint32{1}, snap[0].VifBits)

	table.LogDump(testLog())
}

func Test_TableEntriesStaySortedByGroup(t *testing.T) {
	table, _, _, _ := newTestTable()
	src := netip.MustParseAddr("10.0.1.5")

	require.NoError(t, table.InsertOrRefresh(netip.MustParseAddr("224.1.1.3"), 1, src))
	require.NoError(t, table.InsertOrRefresh(netip.MustParseAddr("224.1.1.1"), 1, src))
	require.NoError(t, table.InsertOrRefresh(netip.MustParseAddr("224.1.1.2"), 1, src))

	all := table.All()
	require.Len(t, all, 3)
	assert.True(t, all[0].Group.Less(all[1].Group))
	assert.True(t, all[1].Group.Less(all[2].Group))
}
