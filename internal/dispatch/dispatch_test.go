package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mdah-community/node/internal/cache"
	"github.com/mdah-community/node/internal/clock"
	"github.com/mdah-community/node/internal/fetch"
	"github.com/mdah-community/node/internal/node"
)

const testChapterID = "0123456789abcdef0123456789abcdef"

func newHandler(t *testing.T, originURL string) (*Handler, *cache.DiskStore) {
	t.Helper()
	store, err := cache.NewDiskStore(t.TempDir(), 1<<30, 2)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	t.Cleanup(store.Close)

	st := node.New(clock.System{}, originURL)
	return &Handler{
		Store:     store,
		Upstream:  fetch.NewClient(),
		Coalescer: &fetch.Coalescer{},
		Node:      st,
		Clock:     clock.System{},
	}, store
}

func TestValidationRejectsMalformedKey(t *testing.T) {
	h, _ := newHandler(t, "https://origin.example")

	req := httptest.NewRequest(http.MethodGet, "/not-a-class/"+testChapterID+"/a.jpg", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTokenisedURLRoutesIdentically(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("plain-bytes"))
	}))
	defer upstream.Close()

	h, _ := newHandler(t, upstream.URL)

	plain := httptest.NewRequest(http.MethodGet, "/data/"+testChapterID+"/a.jpg", nil)
	plainRec := httptest.NewRecorder()
	h.ServeHTTP(plainRec, plain)

	tokenised := httptest.NewRequest(http.MethodGet, "/sometoken/data/"+testChapterID+"/a.jpg", nil)
	tokenisedRec := httptest.NewRecorder()
	h.ServeHTTP(tokenisedRec, tokenised)

	if plainRec.Header().Get("X-Uri") != tokenisedRec.Header().Get("X-Uri") {
		t.Fatalf("X-Uri mismatch: %q vs %q", plainRec.Header().Get("X-Uri"), tokenisedRec.Header().Get("X-Uri"))
	}
}

func TestFreshMissThenCacheHit(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("image-bytes"))
	}))
	defer upstream.Close()

	h, _ := newHandler(t, upstream.URL)
	path := "/data-saver/" + testChapterID + "/ab.png"

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, path, nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}
	if first.Body.String() != "image-bytes" {
		t.Fatalf("first body = %q", first.Body.String())
	}

	// The cache admit happens synchronously inside fetchAndStream's call
	// to fetch.StreamToCache, so the second request should already find
	// it resident.
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, path, nil))
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", second.Code)
	}
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("second X-Cache = %q, want HIT", got)
	}
	if second.Body.String() != "image-bytes" {
		t.Fatalf("second body = %q", second.Body.String())
	}
	if hits != 1 {
		t.Fatalf("upstream hit %d times, want 1", hits)
	}
}

func TestConditionalRequestSkipsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be contacted for a conditional request")
	}))
	defer upstream.Close()

	h, _ := newHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/data/"+testChapterID+"/a.jpg", nil)
	req.Header.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
}

func TestUpstreamFailureRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h, _ := newHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/data/"+testChapterID+"/a.jpg", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, upstream.URL) {
		t.Fatalf("Location = %q, want prefix %q", loc, upstream.URL)
	}
}

func TestConcurrentMissesCoalesceToOneUpstreamFetch(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		<-release
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("coalesced-bytes"))
	}))
	defer upstream.Close()

	h, _ := newHandler(t, upstream.URL)
	path := "/data/" + testChapterID + "/a.jpg"

	const n = 8
	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = httptest.NewRecorder()
			h.ServeHTTP(recs[i], httptest.NewRequest(http.MethodGet, path, nil))
		}(i)
	}

	close(release)
	wg.Wait()

	for i, rec := range recs {
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
		if rec.Body.String() != "coalesced-bytes" {
			t.Fatalf("request %d body = %q", i, rec.Body.String())
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits == 0 {
		t.Fatal("upstream was never contacted")
	}
	if hits == n {
		t.Fatal("coalescing did not reduce upstream fetch count at all")
	}
}

func TestMethodNotAllowedForNonGet(t *testing.T) {
	h, _ := newHandler(t, "https://origin.example")

	req := httptest.NewRequest(http.MethodPost, "/data/"+testChapterID+"/a.jpg", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
