package proxycore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// AwaitUpstreamInterface blocks, retrying with exponential backoff, until
// registry reports an interface at upstreamIndex in the upstream role, or
// ctx is done. SPEC_FULL.md §4.E [EXPANSION]: the proxy must not drop into
// its query loop with no upstream interface, but interface discovery
// (internal/ifreg) races process startup, so the caller gives this a
// bounded grace period rather than failing immediately.
//
// Grounded on the bird-adapter's stream-reconnect loop
// (modules/route/bird-adapter/service.go), which retries a similarly
// transient "collaborator not ready yet" condition the same way.
func AwaitUpstreamInterface(ctx context.Context, registry InterfaceRegistry, upstreamIndex uint32, log *zap.SugaredLogger) error {
	check := func() (struct{}, error) {
		iface, ok := registry.ByIndex(upstreamIndex)
		if !ok || iface.State != IfaceUpstream {
			return struct{}{}, ErrUpstreamInterfaceMissing
		}
		return struct{}{}, nil
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
	}

	notify := func(err error, next time.Duration) {
		log.Warnw("upstream interface not ready yet, retrying", zap.Error(err), zap.Duration("next_attempt", next))
	}

	_, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(&b),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(notify))
	return err
}
