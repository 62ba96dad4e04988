// Package timerqueue implements the proxy's callout queue: an ordered
// sequence of one-shot callbacks keyed by absolute fire time (SPEC_FULL.md
// §4.A).
//
// Unlike the C original this callout queue is based on (see
// original_source/src/callout.c), Go has no pointer-equality dedup trick
// and no malloc failure mode, so scheduling is deduplicated on an explicit,
// comparable Intent rather than on the identity of the callback/data pair
// (see SPEC_FULL.md §9 "Design Notes").
package timerqueue

import (
	"net/netip"
	"time"
)

// IntentKind tags what a scheduled callback represents, so independent
// schedulings of structurally distinct intents are never conflated.
type IntentKind uint8

const (
	// IntentNone marks a one-off callback with no dedup semantics; it is
	// never considered equal to another entry.
	IntentNone IntentKind = iota
	// IntentGeneralQuery is the recurring general-query timer (one per
	// proxy instance).
	IntentGeneralQuery
	// IntentAgingSweep is the post-query aging sweep of all active routes
	// (one per proxy instance).
	IntentAgingSweep
	// IntentLastMemberProbe is a group-specific last-member probe step
	// (one per group).
	IntentLastMemberProbe
	// IntentUpstreamRetry is a backed-off retry of a failed upstream
	// join/leave syscall (one per group).
	IntentUpstreamRetry
)

// Intent is the dedup key for a scheduled callback. Two schedulings with
// equal Intent (other than IntentNone) are considered the same pending
// work item.
type Intent struct {
	Kind  IntentKind
	Group netip.Addr // zero value when Kind is group-agnostic
}

// Queue is a min-ordered sequence of pending callbacks, sorted ascending
// by fire time with ties broken by insertion order.
//
// Queue is not safe for concurrent use; per SPEC_FULL.md §5 it is only
// ever touched by the engine's single control thread.
type Queue struct {
	entries []entry
	nextID  int64
}

type entry struct {
	id       int64
	fireTime time.Time
	intent   Intent
	callback func()
}

// New creates an empty timer queue.
func New() *Queue {
	return &Queue{}
}

// Schedule inserts callback to fire at now+delay. If a pending entry
// already carries the same non-IntentNone Intent, that entry's id is
// returned and callback is dropped — this is the dedup guard from
// SPEC_FULL.md §4.A, preventing a periodic self-rescheduling callback
// from being double-queued.
func (q *Queue) Schedule(now time.Time, delay time.Duration, intent Intent, callback func()) int64 {
	if intent.Kind != IntentNone {
		for i := range q.entries {
			if q.entries[i].intent == intent {
				return q.entries[i].id
			}
		}
	}

	q.nextID++
	e := entry{
		id:       q.nextID,
		fireTime: now.Add(delay),
		intent:   intent,
		callback: callback,
	}

	idx := len(q.entries)
	for i := range q.entries {
		if e.fireTime.Before(q.entries[i].fireTime) {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e

	return e.id
}

// Cancel removes the pending entry with the given Intent, if any, and
// reports whether one was found. Used when a route's deletion also
// cancels an outstanding upstream join/leave retry for its group.
func (q *Queue) Cancel(intent Intent) bool {
	if intent.Kind == IntentNone {
		return false
	}
	for i := range q.entries {
		if q.entries[i].intent == intent {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Tick pops and invokes every entry whose fire time has passed, in fire
// time order (ties broken by insertion order). Each callback runs to
// completion before the next is examined. A callback may itself call
// Schedule; newly scheduled entries are only picked up by a later Tick.
func (q *Queue) Tick(now time.Time) {
	due := 0
	for due < len(q.entries) && !q.entries[due].fireTime.After(now) {
		due++
	}
	if due == 0 {
		return
	}

	firing := q.entries[:due]
	q.entries = q.entries[due:]

	for i := range firing {
		firing[i].callback()
	}
}

// NextFireTime returns the fire time of the earliest pending entry, used
// by the event loop to bound its multiplex wait (SPEC_FULL.md §5).
func (q *Queue) NextFireTime() (time.Time, bool) {
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].fireTime, true
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Clear discards all pending entries.
func (q *Queue) Clear() {
	q.entries = nil
}
