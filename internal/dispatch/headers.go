package dispatch

import (
	"net/http"
	"strconv"

	"github.com/mdah-community/node/internal/cache"
)

// setDefaultHeaders applies the header set spec.md §4.2 requires on every 2xx and
// 304 response, lifted verbatim from the original Python source's
// default_server_headers and carried unchanged into this Go rendition.
func setDefaultHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "https://mangadex.org")
	h.Set("Access-Control-Expose-Headers", "*")
	h.Set("Cache-Control", "public, max-age=1209600")
	h.Set("Server", "Mangadex@Home Node 1.0.0 (13)")
	h.Set("Timing-Allow-Origin", "https://mangadex.org")
	h.Set("X-Content-Type-Options", "nosniff")
}

// setHitHeaders applies the headers for a cache-hit 200 response: the
// stored entry's Content-Type/Content-Length/Last-Modified plus
// X-Cache: HIT (spec.md §4.2 step 6).
func setHitHeaders(h http.Header, entry cache.Entry) {
	h.Set("Content-Type", entry.ContentType)
	if entry.ContentLength != "" {
		h.Set("Content-Length", entry.ContentLength)
	} else {
		h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	}
	if entry.LastModified != "" {
		h.Set("Last-Modified", entry.LastModified)
	}
	h.Set("X-Cache", "HIT")
}

// setMissHeaders applies the headers for a cache-miss 200 response from a
// live upstream stream: the headers captured off the upstream response
// plus X-Cache: MISS.
func setMissHeaders(h http.Header, contentType, contentLength, lastModified string) {
	h.Set("Content-Type", contentType)
	if contentLength != "" {
		h.Set("Content-Length", contentLength)
	}
	if lastModified != "" {
		h.Set("Last-Modified", lastModified)
	}
	h.Set("X-Cache", "MISS")
}
