package proxycore

import (
	"net/netip"

	"go.uber.org/zap"
)

// Snapshot is a read-only view of one active route, per SPEC_FULL.md
// component K ("status introspection").
type Snapshot struct {
	Group         netip.Addr
	Origin        netip.Addr
	UpstreamState UpstreamState
	Subscribers   int
	VifBits       []uint32
}

// Dump returns a point-in-time snapshot of every active route, ordered by
// group. It does not mutate the table.
func (t *Table) Dump() []Snapshot {
	out := make([]Snapshot, 0, len(t.entries))
	for _, e := range t.entries {
		vifs := make([]uint32, 0, e.VifBits.Count())
		e.VifBits.Traverse(func(vif uint32) bool {
			vifs = append(vifs, vif)
			return true
		})
		out = append(out, Snapshot{
			Group:         e.Group,
			Origin:        e.Origin,
			UpstreamState: e.UpstreamState,
			Subscribers:   e.Subscribers.Len(),
			VifBits:       vifs,
		})
	}
	return out
}

// LogDump writes the table's current status as structured log lines, one
// per active route plus a summary. Wired to fire on SIGHUP
// (internal/xcmd.WatchDumpSignal) rather than any network-facing surface.
func (t *Table) LogDump(log *zap.SugaredLogger) {
	snap := t.Dump()
	log.Infow("route table status", zap.Int("routes", len(snap)))
	for _, s := range snap {
		log.Infow("route",
			zap.Stringer("group", s.Group),
			zap.Stringer("origin", s.Origin),
			zap.Stringer("upstream_state", s.UpstreamState),
			zap.Int("subscribers", s.Subscribers),
			zap.Any("vifs", s.VifBits),
		)
	}
}
