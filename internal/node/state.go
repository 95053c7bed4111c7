// Package node holds the process-wide Node State described in spec.md §3:
// the mutable facts about this edge node (origin, rotating TLS token,
// last request time, running flag) behind atomic snapshot swaps, passed
// explicitly to every collaborator instead of living as package-level
// globals (spec.md §9). control_url is not kept here: it is read-only
// for the lifetime of a process and already lives in the config
// snapshot (internal/config.Settings.ControlURL), which is what
// internal/controlplane actually reads.
package node

import (
	"sync/atomic"
	"time"

	"github.com/mdah-community/node/internal/clock"
)

// Info is an immutable snapshot of Node State. Readers always see a
// complete, consistent value — never a half-updated origin/TLS pair.
type Info struct {
	OriginURL    string
	TLSCreatedAt string // opaque token; empty means absent
	Running      bool
}

// State is the mutable, concurrency-safe holder for Node State. Origin and
// TLS fields are swapped atomically by the control-plane client; the
// running flag and last-request timestamp have their own atomics so the
// hot request path never contends with heartbeat updates.
type State struct {
	clock clock.Clock

	info           atomic.Pointer[Info]
	lastRequestAt  atomic.Int64 // UnixNano
	running        atomic.Bool
}

// New creates Node State seeded with the given initial origin URL.
// running starts true; it is monotonic — once cleared by Stop it can never
// become true again for the lifetime of this State.
func New(c clock.Clock, originURL string) *State {
	s := &State{clock: c}
	s.info.Store(&Info{OriginURL: originURL, Running: true})
	s.running.Store(true)
	s.lastRequestAt.Store(c.Now().UnixNano())
	return s
}

// Snapshot returns the current Node State. Safe for any number of
// concurrent callers.
func (s *State) Snapshot() Info {
	info := *s.info.Load()
	info.Running = s.running.Load()
	return info
}

// ApplyOrigin atomically updates the origin URL and TLS token together, so
// a reader never observes one updated without the other (spec.md §5:
// "the dispatcher never sees a partial origin URL change").
func (s *State) ApplyOrigin(originURL, tlsCreatedAt string) {
	next := &Info{
		OriginURL:    originURL,
		TLSCreatedAt: tlsCreatedAt,
	}
	s.info.Store(next)
}

// TouchRequest records that an accepted request arrived just now. Callers
// invoke this only after method/route validation succeeds — rejected
// requests must not keep the shutdown quiescence wait artificially fresh
// (spec.md §4.2 step 1 / §5).
func (s *State) TouchRequest() {
	s.lastRequestAt.Store(s.clock.Now().UnixNano())
}

// LastRequestAt returns the instant of the most recently observed request.
func (s *State) LastRequestAt() time.Time {
	return time.Unix(0, s.lastRequestAt.Load())
}

// Stop clears running. Monotonic: once false, Running() never returns true
// again for this State's lifetime.
func (s *State) Stop() {
	s.running.Store(false)
}

// Running reports whether the node is still accepting/heartbeating.
func (s *State) Running() bool {
	return s.running.Load()
}
