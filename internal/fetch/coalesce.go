// Package fetch implements C3 (single-flight registry) and C4 (upstream
// fetcher) from spec.md §4.3.
package fetch

import "golang.org/x/sync/singleflight"

// Coalescer wraps golang.org/x/sync/singleflight.Group to implement C3:
// at most one upstream fetch per fingerprint drives the actual upstream
// call; concurrent misses on the same key wait for it and then retry a
// cache read (spec.md §4.3). Grounded on
// O-tero-Distributed-Caching-System/cache-manager/service.go's use of the
// same package for "request coalescing ... prevents thundering herd on
// cache misses" — the identical problem this component solves.
type Coalescer struct {
	group singleflight.Group
}

// Do runs fn for at most one caller per key at a time. The boolean return
// reports whether THIS call was the one that actually ran fn (the
// "owner"); every other concurrent caller for the same key is a
// "follower" that waited for fn to finish without running its own copy.
//
// This distinction can't come from singleflight.Group.Do's own return
// values (its "shared" flag is identical for every caller in the group,
// leader included) — so Do instead captures whether its own closure fired
// via a call-local flag. Because each caller passes a fresh closure, only
// the winning call's flag ever flips to true; followers' flags are never
// touched since their closures are never invoked.
func (c *Coalescer) Do(key string, fn func() error) (owner bool, err error) {
	var ran bool
	_, err, _ = c.group.Do(key, func() (interface{}, error) {
		ran = true
		return nil, fn()
	})
	return ran, err
}

// Forget releases key immediately, letting a future Do for it become a
// fresh owner rather than waiting on a call already in flight. Neither the
// dispatcher nor the tests call it; it mirrors singleflight.Group's own
// API.
func (c *Coalescer) Forget(key string) {
	c.group.Forget(key)
}
