// Package ifreg implements proxycore.InterfaceRegistry over netlink: it
// enumerates the host's network interfaces and their addresses, classifies
// each as upstream, downstream or disabled per the static configuration,
// and keeps that view current by subscribing to link updates.
//
// Grounded on the yanet2 route module's link monitor
// (controlplane/modules/route/internal/discovery/link/link.go), adapted
// from a generic netlink.LinkAttrs cache to the fixed Iface shape the core
// needs.
package ifreg

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

// RoleConfig names which interfaces play which role. Interface names not
// present in either list are registered as proxycore.IfaceDisabled.
type RoleConfig struct {
	Upstream   string   `yaml:"upstream"`
	Downstream []string `yaml:"downstream"`
}

// Registry is a netlink-backed proxycore.InterfaceRegistry. It is safe for
// concurrent use: the engine loop reads through it while a background
// goroutine refreshes it on link change notifications.
type Registry struct {
	roles RoleConfig
	log   *zap.SugaredLogger

	mu      sync.RWMutex
	byIndex map[uint32]proxycore.Iface
}

// New constructs a registry and performs an initial synchronous
// enumeration, so it is immediately usable before Run is started.
func New(roles RoleConfig, log *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{roles: roles, log: log, byIndex: map[uint32]proxycore.Iface{}}
	if err := r.refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Run subscribes to netlink link updates and refreshes the registry on
// every change, until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribeWithOptions(updates, ctx.Done(), netlink.LinkSubscribeOptions{}); err != nil {
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updates:
			if err := r.refresh(); err != nil {
				r.log.Warnw("failed to refresh interface registry", zap.Error(err))
			}
		}
	}
}

func (r *Registry) refresh() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}

	downstream := make(map[string]struct{}, len(r.roles.Downstream))
	for _, name := range r.roles.Downstream {
		downstream[name] = struct{}{}
	}

	next := make(map[uint32]proxycore.Iface, len(links))
	for _, link := range links {
		attrs := link.Attrs()

		iface := proxycore.Iface{
			Index:    uint32(attrs.Index),
			Loopback: attrs.Flags&netlink.FlagLoopback != 0,
			Up:       attrs.OperState == netlink.OperUp,
		}

		switch {
		case attrs.Name == r.roles.Upstream:
			iface.State = proxycore.IfaceUpstream
		default:
			if _, ok := downstream[attrs.Name]; ok {
				iface.State = proxycore.IfaceDownstream
			} else {
				iface.State = proxycore.IfaceDisabled
			}
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			r.log.Warnw("failed to list addresses", zap.String("iface", attrs.Name), zap.Error(err))
		} else if len(addrs) > 0 {
			if a, ok := netip.AddrFromSlice(addrs[0].IP.To4()); ok {
				ones, _ := addrs[0].Mask.Size()
				iface.Addr = a
				iface.Net = netip.PrefixFrom(a, ones).Masked()
			}
		}

		next[iface.Index] = iface
	}

	r.mu.Lock()
	r.byIndex = next
	r.mu.Unlock()

	return nil
}

// ByIndex implements proxycore.InterfaceRegistry.
func (r *Registry) ByIndex(idx uint32) (proxycore.Iface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.byIndex[idx]
	return iface, ok
}

// ByAddress implements proxycore.InterfaceRegistry.
func (r *Registry) ByAddress(addr netip.Addr) (proxycore.Iface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.byIndex {
		if iface.Addr == addr {
			return iface, true
		}
	}
	return proxycore.Iface{}, false
}

// Resolve implements proxycore.InterfaceRegistry: it finds the interface
// whose configured subnet contains addr, the way the original igmpproxy
// maps a report's source address back to a receiving VIF.
func (r *Registry) Resolve(addr netip.Addr) (proxycore.Iface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.byIndex {
		if iface.Net.IsValid() && iface.Net.Contains(addr) {
			return iface, true
		}
	}
	return proxycore.Iface{}, false
}

// All implements proxycore.InterfaceRegistry.
func (r *Registry) All() []proxycore.Iface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]proxycore.Iface, 0, len(r.byIndex))
	for _, iface := range r.byIndex {
		out = append(out, iface)
	}
	return out
}
