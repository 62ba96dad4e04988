package proxycore

import (
	"net/netip"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/igmpproxy/igmpproxy/internal/timerqueue"
)

// Table is the ordered collection of active route entries, keyed by
// group, per SPEC_FULL.md §3 and §4.D.
//
// Table is not safe for concurrent use; per SPEC_FULL.md §5 it is only
// ever touched by the engine's single control thread.
type Table struct {
	entries []*Entry

	registry      InterfaceRegistry
	socket        SocketLayer
	kernel        KernelInstaller
	upstreamIndex uint32
	cfg           Config
	queue         *timerqueue.Queue
	now           func() time.Time
	log           *zap.SugaredLogger

	// retries holds the in-flight backoff state for a group whose upstream
	// join/leave syscall most recently failed (SPEC_FULL.md §4.E).
	retries map[netip.Addr]*backoff.ExponentialBackOff
}

// NewTable constructs an empty route table. queue and now are the same
// timer queue and clock the engine's Proxy/Querier use, so a failed
// upstream join/leave retry is sequenced through the same single-threaded
// callout mechanism rather than a background goroutine.
func NewTable(registry InterfaceRegistry, socket SocketLayer, kernel KernelInstaller, upstreamIndex uint32, cfg Config, queue *timerqueue.Queue, now func() time.Time, log *zap.SugaredLogger) *Table {
	return &Table{
		registry:      registry,
		socket:        socket,
		kernel:        kernel,
		upstreamIndex: upstreamIndex,
		cfg:           cfg,
		queue:         queue,
		now:           now,
		log:           log,
		retries:       map[netip.Addr]*backoff.ExponentialBackOff{},
	}
}

// Find looks up a route by group (SPEC_FULL.md §4.D "find") with a binary
// search over the group-ordered entries.
func (t *Table) Find(group netip.Addr) (*Entry, bool) {
	idx, found := t.search(group)
	if !found {
		return nil, false
	}
	return t.entries[idx], true
}

// All returns the entries in ascending group order. The returned slice
// must not be mutated by the caller.
func (t *Table) All() []*Entry {
	return t.entries
}

// Len returns the number of active routes.
func (t *Table) Len() int {
	return len(t.entries)
}

// IsValidGroup reports whether addr satisfies SPEC_FULL.md §3 invariant 1:
// an IPv4 multicast address that is not one of the reserved
// 224.0.0.0/24 link-local control addresses.
func IsValidGroup(addr netip.Addr) bool {
	if !addr.Is4() || !addr.IsMulticast() {
		return false
	}
	b := addr.As4()
	// 224.0.0.0/24 is reserved for link-local control traffic (all-hosts,
	// all-routers, routing protocols, ...) that the proxy itself treats
	// as control traffic rather than an application group.
	if b[0] == 224 && b[1] == 0 && b[2] == 0 {
		return false
	}
	return true
}

// InsertOrRefresh implements SPEC_FULL.md §4.D "insert_or_refresh".
func (t *Table) InsertOrRefresh(group netip.Addr, ifx uint32, src netip.Addr) error {
	if !IsValidGroup(group) {
		return ErrInvalidInput
	}
	if _, ok := t.registry.ByIndex(ifx); !ok {
		return ErrInvalidInput
	}

	e, _ := t.getOrCreate(group)

	gainedBit := !e.VifBits.Has(ifx)
	e.VifBits.Insert(ifx)
	e.AgeVifBits.Insert(ifx)
	e.Subscribers.Add(ifx, src, t.cfg.Robustness)

	if gainedBit && e.hasOrigin() {
		t.install(e)
	}

	if e.UpstreamState == CheckLastMember {
		e.UpstreamState = Joined
		e.AgeValue = t.cfg.Robustness
	}
	if e.UpstreamState != Joined {
		t.upstreamJoin(e)
	}

	return nil
}

// Leave implements SPEC_FULL.md §4.D "leave". It reports whether the
// caller should start last-member probing for group: true whenever the
// route still exists afterwards (subscribers remain, or fast-upstream-leave
// is off), false when the route was unknown or was just destroyed by
// fast-upstream-leave.
func (t *Table) Leave(group netip.Addr, ifx uint32, src netip.Addr) (needsProbe bool) {
	e, ok := t.Find(group)
	if !ok {
		return false
	}

	e.Subscribers.Remove(ifx, src)

	if e.Subscribers.Len() == 0 {
		if t.cfg.FastUpstreamLeave {
			t.destroy(e)
			return false
		}
	}

	return true
}

// Activate implements SPEC_FULL.md §4.D "activate", invoked when the
// kernel reports a cache miss for group.
func (t *Table) Activate(group netip.Addr, origin netip.Addr) error {
	if !IsValidGroup(group) {
		return ErrInvalidInput
	}

	e, created := t.getOrCreate(group)

	if !created && e.hasOrigin() && e.Origin != origin {
		t.log.Warnw("origin changed for active route",
			zap.Stringer("group", group),
			zap.Stringer("old_origin", e.Origin),
			zap.Stringer("new_origin", origin))
	}
	e.Origin = origin

	if !e.VifBits.IsZero() {
		t.install(e)
	}

	return nil
}

// SetLastMemberMode implements SPEC_FULL.md §4.D "set_last_member_mode".
func (t *Table) SetLastMemberMode(group netip.Addr) {
	e, ok := t.Find(group)
	if !ok {
		return
	}
	e.UpstreamState = CheckLastMember
	e.AgeValue = t.cfg.LastMemberQueryCount
}

// LastMemberAge implements SPEC_FULL.md §4.D "last_member_age": ages group
// if it exists and is in CheckLastMember. It returns true, ending the probe
// chain, when the route is absent, no longer in CheckLastMember, or was
// destroyed by this round. A round that ends with activity reinstalls the
// kernel entry and resets age_value to the robustness value, and returns
// false, so probing continues.
func (t *Table) LastMemberAge(group netip.Addr) bool {
	e, ok := t.Find(group)
	if !ok || e.UpstreamState != CheckLastMember {
		return true
	}

	destroy, reinstall := e.age(t.cfg.Robustness)
	if destroy {
		t.destroy(e)
		return true
	}
	if reinstall {
		t.install(e)
	}
	return e.AgeValue <= 0
}

// AgeAll implements SPEC_FULL.md §4.D "age_all": the periodic sweep run
// after each general query, over every route not currently in
// CheckLastMember.
func (t *Table) AgeAll() {
	// Snapshot first: aging may destroy entries, and Entry.age must run
	// to completion for every route observed at the start of the sweep.
	snapshot := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.UpstreamState != CheckLastMember {
			snapshot = append(snapshot, e)
		}
	}

	for _, e := range snapshot {
		destroy, reinstall := e.age(t.cfg.Robustness)
		if destroy {
			t.destroy(e)
			continue
		}
		if reinstall {
			t.install(e)
		}
	}
}

// ClearAll implements SPEC_FULL.md §4.D "clear_all".
func (t *Table) ClearAll() {
	// Iterate over a copy: destroy removes each entry from t.entries.
	for _, e := range append([]*Entry(nil), t.entries...) {
		t.destroy(e)
	}
}

func (t *Table) destroy(e *Entry) {
	// Cancel any retry left over from an earlier failed join before
	// possibly scheduling a fresh one below, so that one isn't
	// immediately undone by this call.
	t.queue.Cancel(timerqueue.Intent{Kind: timerqueue.IntentUpstreamRetry, Group: e.Group})
	delete(t.retries, e.Group)

	if e.UpstreamState != NotJoined {
		t.upstreamLeave(e)
	}
	if e.hasOrigin() {
		t.uninstall(e)
	}
	t.removeEntry(e)
}

func (t *Table) removeEntry(e *Entry) {
	idx, found := t.search(e.Group)
	if !found {
		return
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
}

func (t *Table) getOrCreate(group netip.Addr) (*Entry, bool) {
	idx, found := t.search(group)
	if found {
		return t.entries[idx], false
	}

	e := &Entry{Group: group, AgeValue: t.cfg.Robustness}
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
	return e, true
}

func (t *Table) search(group netip.Addr) (int, bool) {
	idx := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].Group.Less(group)
	})
	if idx < len(t.entries) && t.entries[idx].Group == group {
		return idx, true
	}
	return idx, false
}

func (t *Table) thresholdOf(vif uint32) uint8 {
	if iface, ok := t.registry.ByIndex(vif); ok {
		return iface.Threshold
	}
	return 1
}

func (t *Table) install(e *Entry) {
	if !e.installed() {
		return
	}
	desc := e.descriptor(t.upstreamIndex, t.thresholdOf)
	if err := t.kernel.Add(desc); err != nil {
		t.log.Warnw("failed to install kernel forwarding entry",
			zap.Stringer("group", e.Group), zap.Error(err))
	}
}

func (t *Table) uninstall(e *Entry) {
	desc := e.descriptor(t.upstreamIndex, t.thresholdOf)
	if err := t.kernel.Delete(desc); err != nil {
		t.log.Warnw("failed to remove kernel forwarding entry",
			zap.Stringer("group", e.Group), zap.Error(err))
	}
}

func (t *Table) upstreamJoin(e *Entry) {
	if e.VifBits.IsZero() {
		return
	}
	iface, ok := t.registry.ByIndex(t.upstreamIndex)
	if !ok {
		t.log.Errorw("upstream interface missing, cannot join group upstream", zap.Stringer("group", e.Group))
		return
	}
	if err := t.socket.JoinGroup(iface, e.Group); err != nil {
		t.log.Warnw("failed to join group upstream, retrying", zap.Stringer("group", e.Group), zap.Error(err))
		t.scheduleRetry(e.Group, func() { t.upstreamJoin(e) })
		return
	}
	delete(t.retries, e.Group)
	e.UpstreamState = Joined
}

func (t *Table) upstreamLeave(e *Entry) {
	iface, ok := t.registry.ByIndex(t.upstreamIndex)
	if !ok {
		e.UpstreamState = NotJoined
		return
	}
	if err := t.socket.LeaveGroup(iface, e.Group); err != nil {
		t.log.Warnw("failed to leave group upstream, retrying", zap.Stringer("group", e.Group), zap.Error(err))
		t.scheduleRetry(e.Group, func() { t.upstreamLeave(e) })
		return
	}
	delete(t.retries, e.Group)
	e.UpstreamState = NotJoined
}

// scheduleRetry arms (or re-arms) the exponential backoff for group and
// reschedules retry onto the timer queue, per SPEC_FULL.md §4.E: a failed
// upstream join/leave is not fatal, it is retried with a capped backoff
// rather than blocking the event loop.
func (t *Table) scheduleRetry(group netip.Addr, retry func()) {
	b, ok := t.retries[group]
	if !ok {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     t.cfg.UpstreamJoinBackoff.Min,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         t.cfg.UpstreamJoinBackoff.Max,
		}
		b.Reset()
		t.retries[group] = b
	}

	next := b.NextBackOff()
	if next < 0 {
		next = t.cfg.UpstreamJoinBackoff.Max
	}
	t.queue.Schedule(t.now(), next, timerqueue.Intent{Kind: timerqueue.IntentUpstreamRetry, Group: group}, retry)
}
