package proxycore

import (
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/igmpproxy/igmpproxy/internal/timerqueue"
)

// AllHosts is the IGMP all-hosts group address (224.0.0.1), the
// destination for general queries.
var AllHosts = netip.MustParseAddr("224.0.0.1")

// probe tracks one outstanding last-member query chain for a group, per
// SPEC_FULL.md §4.E. It is held by the querier rather than heap-allocated
// and leaked the way the C original does (SPEC_FULL.md §9 design note);
// deleting the map entry is the whole cleanup.
type probe struct {
	downstream Iface
	started    bool
}

// Querier drives the two periodic activities of SPEC_FULL.md §4.E: the
// general query cycle and per-group last-member probing.
type Querier struct {
	registry InterfaceRegistry
	packet   PacketLayer
	table    *Table
	queue    *timerqueue.Queue
	cfg      Config
	now      func() time.Time
	log      *zap.SugaredLogger

	queriesSent int
	probes      map[netip.Addr]*probe
}

// NewQuerier constructs a querier. now supplies the engine's notion of the
// current time, so tests can drive it deterministically.
func NewQuerier(registry InterfaceRegistry, packet PacketLayer, table *Table, queue *timerqueue.Queue, cfg Config, now func() time.Time, log *zap.SugaredLogger) *Querier {
	return &Querier{
		registry: registry,
		packet:   packet,
		table:    table,
		queue:    queue,
		cfg:      cfg,
		now:      now,
		log:      log,
		probes:   map[netip.Addr]*probe{},
	}
}

// StartGeneralQueryCycle schedules the first general query. Called once
// from Proxy.Start (SPEC_FULL.md §4.I).
func (q *Querier) StartGeneralQueryCycle() {
	q.queriesSent = 0
	q.queue.Schedule(q.now(), 0, timerqueue.Intent{Kind: timerqueue.IntentGeneralQuery}, q.fireGeneralQuery)
}

func (q *Querier) fireGeneralQuery() {
	maxResp := deciseconds(q.cfg.QueryResponseInterval)
	for _, iface := range q.registry.All() {
		if iface.State != IfaceDownstream || !iface.Up || iface.Loopback {
			continue
		}
		if err := q.packet.SendIGMP(iface.Addr, AllHosts, IGMPMembershipQuery, maxResp, netip.Addr{}); err != nil {
			q.log.Warnw("failed to send general query", zap.Stringer("iface", iface.Addr), zap.Error(err))
		}
	}

	q.queue.Schedule(q.now(), q.cfg.QueryResponseInterval, timerqueue.Intent{Kind: timerqueue.IntentAgingSweep}, q.fireAgingSweep)

	interval := q.cfg.QueryInterval
	if q.queriesSent < q.cfg.StartupQueryCount {
		interval = q.cfg.StartupQueryInterval
	}
	q.queriesSent++
	q.queue.Schedule(q.now(), interval, timerqueue.Intent{Kind: timerqueue.IntentGeneralQuery}, q.fireGeneralQuery)
}

func (q *Querier) fireAgingSweep() {
	q.table.AgeAll()
}

// StartLastMemberProbe begins (or continues, if one is already in flight)
// last-member probing for group on the interface the leave arrived on,
// per SPEC_FULL.md §4.E.
func (q *Querier) StartLastMemberProbe(group netip.Addr, downstream Iface) {
	if _, exists := q.probes[group]; exists {
		return
	}
	q.probes[group] = &probe{downstream: downstream}
	q.stepProbe(group)
}

func (q *Querier) stepProbe(group netip.Addr) {
	p, ok := q.probes[group]
	if !ok {
		return
	}

	if !p.started {
		p.started = true
	} else if q.table.LastMemberAge(group) {
		delete(q.probes, group)
		return
	}

	maxResp := deciseconds(q.cfg.LastMemberQueryInterval)
	if err := q.packet.SendIGMP(p.downstream.Addr, group, IGMPMembershipQuery, maxResp, group); err != nil {
		q.log.Warnw("failed to send last-member query", zap.Stringer("group", group), zap.Error(err))
	}

	q.queue.Schedule(q.now(), q.cfg.LastMemberQueryInterval,
		timerqueue.Intent{Kind: timerqueue.IntentLastMemberProbe, Group: group},
		func() { q.stepProbe(group) })
}

// deciseconds converts d to RFC 2236's tenths-of-a-second max-response-time
// unit, saturating at 255 (the field is one byte).
func deciseconds(d time.Duration) uint8 {
	v := d / (100 * time.Millisecond)
	if v > 255 {
		return 255
	}
	return uint8(v)
}
