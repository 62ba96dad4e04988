package proxycore

import "errors"

// Error kinds from SPEC_FULL.md §7. All but ErrUpstreamInterfaceMissing are
// swallowed by the caller after being logged; the event that produced them
// is dropped without mutating any state.
var (
	// ErrInvalidInput: non-multicast group, out-of-range interface index,
	// or an unresolvable source address.
	ErrInvalidInput = errors.New("invalid input")
	// ErrWrongInterfaceDirection: a report or leave arrived on the
	// upstream interface or a disabled one.
	ErrWrongInterfaceDirection = errors.New("wrong interface direction")
	// ErrSelfOrigin: the source address matches one of our own interface
	// addresses.
	ErrSelfOrigin = errors.New("self origin")
	// ErrUpstreamInterfaceMissing is fatal: no forwarding is possible
	// without an upstream interface.
	ErrUpstreamInterfaceMissing = errors.New("upstream interface missing")
)
