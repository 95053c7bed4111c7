package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mdah-community/node/internal/cache"
	"github.com/mdah-community/node/internal/clock"
	"github.com/mdah-community/node/internal/fetch"
	"github.com/mdah-community/node/internal/node"
)

// Handler is C5, the request dispatcher described in spec.md §4.2. It
// validates the inbound path, serves cache hits, and otherwise drives a
// single-flighted upstream fetch that tee-streams to both the client and
// the cache store. Modeled directly on the teacher's
// internal/proxy.Handler.ServeHTTP state machine (conditional request →
// cache hit → upstream miss → redirect-on-failure), generalized from OCI
// registry routing to the manga image URL schema.
type Handler struct {
	Store     cache.Store
	Upstream  *fetch.Client
	Coalescer *fetch.Coalescer
	Node      *node.State
	Clock     clock.Clock
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.Clock.Now()

	referer := matchReferer(r.Header.Get("Referer"))

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key, ok := parseRoute(r.URL.Path)
	if !ok || !key.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// last_request_at is only bumped once a request is accepted
	// (spec.md §4.2 step 1 applies to the numbered steps that follow
	// the Rejections bullet); malformed method/route requests must not
	// keep the quiescence wait artificially fresh during shutdown.
	h.Node.TouchRequest()

	sanitizedURL := key.SanitizedURL()
	slog.Info("request received", "url", sanitizedURL, "remote", r.RemoteAddr, "referer", referer)

	if r.Header.Get("If-Modified-Since") != "" {
		setDefaultHeaders(w.Header())
		setTimeTaken(w.Header(), start, h.Clock)
		w.WriteHeader(http.StatusNotModified)
		slog.Info("request cached by browser", "url", sanitizedURL)
		return
	}

	fingerprint := key.Fingerprint()
	ctx := r.Context()

	if h.Store.Contains(ctx, fingerprint) {
		if entry, ok := h.Store.Get(ctx, fingerprint); ok {
			slog.Info("request hit cache", "url", sanitizedURL)
			h.writeHit(w, start, sanitizedURL, entry)
			return
		}
	}

	slog.Info("request missed cache", "url", sanitizedURL)
	info := h.Node.Snapshot()
	imageURL := info.OriginURL + sanitizedURL

	owner, err := h.Coalescer.Do(fingerprint, func() error {
		return h.fetchAndStream(ctx, w, start, sanitizedURL, imageURL, fingerprint)
	})
	if owner {
		if err != nil {
			slog.Error("upstream fetch failed", "url", sanitizedURL, "error", err)
		}
		return
	}

	// Follower: the owner's fetch has completed (or failed) elsewhere.
	// Retry a cache read before falling through to an independent fetch
	// of our own (spec.md §4.3: "awaits completion, then retries a cache
	// read and falls through to a fresh fetch if the entry is still
	// absent").
	if entry, ok := h.Store.Get(ctx, fingerprint); ok {
		slog.Info("request hit cache after coalesced wait", "url", sanitizedURL)
		h.writeHit(w, start, sanitizedURL, entry)
		return
	}

	if err := h.fetchAndStream(ctx, w, start, sanitizedURL, imageURL, fingerprint); err != nil {
		slog.Error("fallback upstream fetch failed", "url", sanitizedURL, "error", err)
	}
}

func (h *Handler) writeHit(w http.ResponseWriter, start time.Time, sanitizedURL string, entry cache.Entry) {
	setDefaultHeaders(w.Header())
	setHitHeaders(w.Header(), entry)
	w.Header().Set("X-Uri", sanitizedURL)
	setTimeTaken(w.Header(), start, h.Clock)
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Body)
}

// fetchAndStream drives the C4 upstream fetch for one owner. On failure
// it redirects the client to the origin with only the default headers
// (spec.md §4.3 step 2, §4.2 step 7). On success it streams the body to w
// while simultaneously accumulating it for cache admission (spec.md §4.3
// steps 4-5), via fetch.StreamToCache.
func (h *Handler) fetchAndStream(ctx context.Context, w http.ResponseWriter, start time.Time, sanitizedURL, imageURL, fingerprint string) error {
	resp, err := h.Upstream.Fetch(ctx, imageURL)
	if err != nil {
		setDefaultHeaders(w.Header())
		w.Header().Set("Location", imageURL)
		w.WriteHeader(http.StatusFound)
		return err
	}
	defer resp.Body.Close()

	setDefaultHeaders(w.Header())
	setMissHeaders(w.Header(), resp.ContentType, resp.ContentLength, resp.LastModified)
	w.Header().Set("X-Uri", sanitizedURL)
	setTimeTaken(w.Header(), start, h.Clock)
	w.WriteHeader(http.StatusOK)

	// Cache admission runs with its own background context: a client
	// disconnect should not abort an already-received-in-full body from
	// being written to disk, and per spec.md §9 a fetch in flight when
	// shutdown begins is allowed to finish best-effort.
	return fetch.StreamToCache(context.Background(), resp.Body, w, h.Store, fingerprint, resp.ContentType, resp.ContentLength, resp.LastModified)
}

func setTimeTaken(h http.Header, start time.Time, c clock.Clock) {
	elapsed := c.Now().Sub(start).Milliseconds()
	h.Set("X-Time-Taken", strconv.FormatInt(elapsed, 10))
}
