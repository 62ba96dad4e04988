package proxycore

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/igmpproxy/igmpproxy/internal/timerqueue"
)

// EventKind distinguishes the inbound events the engine loop dispatches to
// the Handler, per SPEC_FULL.md §5.
type EventKind uint8

const (
	EventReport EventKind = iota
	EventLeave
	EventKernelCacheMiss
)

// Event is one unit of work delivered to the engine loop from the packet
// and kernel-notification collaborators. Fields not relevant to Kind are
// left zero.
type Event struct {
	Kind   EventKind
	Src    netip.Addr // report/leave
	Group  netip.Addr
	Type   IGMPType // report only
	Origin netip.Addr // kernel cache miss only
}

// Proxy wires the route table, querier and request handler together behind
// the single cooperative control loop described by SPEC_FULL.md §5: one
// goroutine owns the Table, Queue and Querier, waking on the nearer of "a
// new event arrived" or "the next timer is due", draining all due timers
// via Queue.Tick before handling at most one event per iteration.
type Proxy struct {
	table   *Table
	querier *Querier
	handler *Handler
	queue   *timerqueue.Queue
	now     func() time.Time
	log     *zap.SugaredLogger

	dump chan struct{}
}

// NewProxy constructs a Proxy from its already-wired components. The
// upstream interface index and the collaborator implementations are
// supplied by the caller when building table, querier and handler
// (internal/ifreg, internal/igmpio, internal/mroute); this package only
// consumes the
// InterfaceRegistry/PacketLayer/SocketLayer/KernelInstaller interfaces.
func NewProxy(table *Table, querier *Querier, handler *Handler, queue *timerqueue.Queue, now func() time.Time, log *zap.SugaredLogger) *Proxy {
	return &Proxy{table: table, querier: querier, handler: handler, queue: queue, now: now, log: log, dump: make(chan struct{}, 1)}
}

// RequestDump asks the engine loop to log a Table status snapshot
// (SPEC_FULL.md component K) on its next iteration. Safe to call from any
// goroutine — e.g. the SIGHUP handler — since it never touches the Table
// itself; a request already pending is coalesced rather than queued.
func (p *Proxy) RequestDump() {
	select {
	case p.dump <- struct{}{}:
	default:
	}
}

// Start schedules the proxy's recurring timers. Must be called once before
// Run.
func (p *Proxy) Start() {
	p.querier.StartGeneralQueryCycle()
}

// Stop tears down all active routes, per SPEC_FULL.md §4.D "clear_all",
// leaving every joined group upstream and removing every kernel forwarding
// entry.
func (p *Proxy) Stop() {
	p.table.ClearAll()
	p.queue.Clear()
}

// Run is the engine's single control loop (SPEC_FULL.md §5). It ticks the
// timer queue before and after dispatching at most one event per
// iteration, and returns when ctx is done or events is closed.
func (p *Proxy) Run(ctx context.Context, events <-chan Event) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		p.queue.Tick(p.now())

		var wait <-chan time.Time
		if next, ok := p.queue.NextFireTime(); ok {
			d := next.Sub(p.now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			wait = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if wait != nil && !timer.Stop() {
				<-timer.C
			}
			p.dispatch(ev)
		case <-p.dump:
			if wait != nil && !timer.Stop() {
				<-timer.C
			}
			p.table.LogDump(p.log)
		case <-wait:
			// Next loop iteration's Tick drains whatever just became due.
		}
	}
}

func (p *Proxy) dispatch(ev Event) {
	var err error
	switch ev.Kind {
	case EventReport:
		err = p.handler.OnReport(ev.Src, ev.Group, ev.Type)
	case EventLeave:
		err = p.handler.OnLeave(ev.Src, ev.Group)
	case EventKernelCacheMiss:
		err = p.handler.OnKernelCacheMiss(ev.Origin, ev.Group)
	}
	if err != nil {
		p.log.Warnw("dropping event", zap.Stringer("kind", ev.Kind), zap.Error(err))
	}
}

func (k EventKind) String() string {
	switch k {
	case EventReport:
		return "report"
	case EventLeave:
		return "leave"
	case EventKernelCacheMiss:
		return "kernel-cache-miss"
	default:
		return "unknown"
	}
}
