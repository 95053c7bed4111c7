// Package dispatch implements C5, the request dispatcher from spec.md
// §4.2: route validation, cache lookup, and upstream streaming.
package dispatch

import (
	"regexp"
	"strings"

	"github.com/mdah-community/node/internal/cache"
)

var refererPattern = regexp.MustCompile(`https://mangadex\.org/chapter/[0-9]+`)

// parseRoute matches spec.md §4.2's three accepted URL shapes, all of
// which collapse to the same canonical key:
//
//	/{image_class}/{chapter_id}/{image_name}
//	/{token}/{image_class}/{chapter_id}/{image_name}
//	/{token}/{image_class}/{chapter_id}/{image_name}/{a}/{b}/{c}/{d}
//
// The token and the four trailing segments exist only so signed or
// padded URLs issued by the control plane still route; they never affect
// the cache key. Returns ok=false for any path that doesn't match one of
// the three shapes in segment count.
func parseRoute(path string) (key cache.Key, ok bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return cache.Key{}, false
	}
	segments := strings.Split(path, "/")

	switch len(segments) {
	case 3:
		return cache.Key{ImageClass: segments[0], ChapterID: segments[1], ImageName: segments[2]}, true
	case 4:
		return cache.Key{ImageClass: segments[1], ChapterID: segments[2], ImageName: segments[3]}, true
	case 8:
		return cache.Key{ImageClass: segments[1], ChapterID: segments[2], ImageName: segments[3]}, true
	default:
		return cache.Key{}, false
	}
}

// matchReferer extracts the first https://mangadex.org/chapter/<id> match
// from a Referer header value, for access logging only (spec.md §4.2 step
// 3); it is never echoed back to the client.
func matchReferer(referer string) string {
	return refererPattern.FindString(referer)
}
