package proxycore

import (
	"net/netip"

	"go.uber.org/zap"
)

// Handler is the request-handling component of SPEC_FULL.md §4.F. It
// translates inbound IGMP events and kernel cache-miss notifications into
// Table and Querier operations.
type Handler struct {
	registry InterfaceRegistry
	table    *Table
	querier  *Querier
	log      *zap.SugaredLogger
}

// NewHandler constructs a request handler.
func NewHandler(registry InterfaceRegistry, table *Table, querier *Querier, log *zap.SugaredLogger) *Handler {
	return &Handler{registry: registry, table: table, querier: querier, log: log}
}

// OnReport implements SPEC_FULL.md §4.F "on_report": a Membership Report
// (v1 or v2) arrived from src for group. typ distinguishes the two report
// versions for logging only; both are handled identically per RFC 2236 §3.
func (h *Handler) OnReport(src, group netip.Addr, typ IGMPType) error {
	if !IsValidGroup(group) {
		return ErrInvalidInput
	}
	if _, own := h.registry.ByAddress(src); own {
		return ErrSelfOrigin
	}

	iface, ok := h.registry.Resolve(src)
	if !ok {
		return ErrInvalidInput
	}
	if iface.State != IfaceDownstream {
		return ErrWrongInterfaceDirection
	}

	if err := h.table.InsertOrRefresh(group, iface.Index, src); err != nil {
		return err
	}

	h.log.Infow("membership report", zap.Stringer("group", group), zap.Stringer("src", src), zap.Stringer("iface", iface.Addr), zap.Uint8("type", uint8(typ)))
	return nil
}

// OnLeave implements SPEC_FULL.md §4.F "on_leave": a Leave Group message
// arrived from src for group.
func (h *Handler) OnLeave(src, group netip.Addr) error {
	if !IsValidGroup(group) {
		return ErrInvalidInput
	}
	if _, own := h.registry.ByAddress(src); own {
		return ErrSelfOrigin
	}

	iface, ok := h.registry.Resolve(src)
	if !ok {
		return ErrInvalidInput
	}
	if iface.State != IfaceDownstream {
		return ErrWrongInterfaceDirection
	}

	if needsProbe := h.table.Leave(group, iface.Index, src); needsProbe {
		h.table.SetLastMemberMode(group)
		h.querier.StartLastMemberProbe(group, iface)
	}

	h.log.Infow("leave group", zap.Stringer("group", group), zap.Stringer("src", src), zap.Stringer("iface", iface.Addr))
	return nil
}

// OnKernelCacheMiss implements SPEC_FULL.md §4.F "on_kernel_cache_miss":
// the kernel observed a multicast datagram for (origin, group) with no
// matching forwarding entry.
func (h *Handler) OnKernelCacheMiss(origin, group netip.Addr) error {
	if !IsValidGroup(group) {
		return ErrInvalidInput
	}
	return h.table.Activate(group, origin)
}
