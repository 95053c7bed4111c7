package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store is the public contract of C2 (spec.md §4.1).
type Store interface {
	Put(ctx context.Context, fingerprint string, entry Entry) error
	Get(ctx context.Context, fingerprint string) (Entry, bool)
	Contains(ctx context.Context, fingerprint string) bool
}

// Archiver optionally mirrors successful admits to cold storage. It is
// best-effort: failures are logged and never surface to the caller of
// Put. See internal/cache/archive.go for the S3-backed implementation.
type Archiver interface {
	Archive(ctx context.Context, fingerprint string, entry Entry)
}

// DiskStore is the disk-backed implementation of Store. Bytes live under
// root as content-addressed files; a github.com/hashicorp/golang-lru/v2
// index tracks fingerprint → size so eviction order can be decided in
// O(1) without touching the disk or materialising bodies in memory
// (spec.md §4.1: "in-memory working set is implementation-defined").
//
// The index's own capacity is effectively unbounded (set to maxEntries);
// DiskStore enforces the byte-capacity invariant itself by evicting the
// LRU tail after every admit until total resident size fits, because
// golang-lru/v2 bounds by entry count, not by aggregate size.
type DiskStore struct {
	root     string
	maxBytes int64

	mu         sync.Mutex
	index      *lru.Cache[string, int64]
	totalBytes int64

	pool     *pool
	archiver Archiver
}

const maxEntries = 1 << 22 // effectively unbounded; real bound is maxBytes

// NewDiskStore creates a disk-backed cache rooted at root, bounded to
// maxBytes total resident bytes, with workerCount dedicated I/O workers.
func NewDiskStore(root string, maxBytes int64, workerCount int) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	index, err := lru.New[string, int64](maxEntries)
	if err != nil {
		return nil, err
	}
	return &DiskStore{
		root:     root,
		maxBytes: maxBytes,
		index:    index,
		pool:     newPool(workerCount),
	}, nil
}

// SetArchiver attaches an optional cold-archive mirror (see archive.go).
func (s *DiskStore) SetArchiver(a Archiver) {
	s.archiver = a
}

// Resize updates the worker pool's admission shaping and the byte-capacity
// ceiling, then evicts down to the new ceiling. Nothing in this module
// calls it: settings re-read on a heartbeat do not reach a running
// DiskStore, which keeps the limits it was built with.
func (s *DiskStore) Resize(maxBytes int64, workerCount int) {
	s.mu.Lock()
	s.maxBytes = maxBytes
	s.mu.Unlock()
	s.pool.resize(workerCount)
	s.evictToFit(context.Background())
}

func (s *DiskStore) dataPath(fp string) string {
	return filepath.Join(s.root, fp[:2], fp)
}

func (s *DiskStore) metaPath(fp string) string {
	return s.dataPath(fp) + ".meta.json"
}

// Put durably associates fingerprint with entry, evicting LRU entries
// until total resident size is at most maxBytes. If entry alone exceeds
// maxBytes, nothing is written — "fail silently after eviction attempt"
// (spec.md §4.1).
func (s *DiskStore) Put(ctx context.Context, fingerprint string, entry Entry) error {
	size := int64(len(entry.Body))

	if s.maxBytes > 0 && size > s.maxBytes {
		slog.Debug("cache entry exceeds capacity alone, skipping admit", "fingerprint", fingerprint, "size", size)
		return nil
	}

	err := s.pool.do(ctx, func() error {
		return s.writeEntry(fingerprint, entry)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.index.Peek(fingerprint); ok {
		s.totalBytes -= prev
	}
	s.totalBytes += size
	s.index.Add(fingerprint, size)
	s.mu.Unlock()

	s.evictToFit(ctx)

	if s.archiver != nil {
		s.archiver.Archive(ctx, fingerprint, entry)
	}
	return nil
}

func (s *DiskStore) writeEntry(fingerprint string, entry Entry) error {
	dp := s.dataPath(fingerprint)
	if err := os.MkdirAll(filepath.Dir(dp), 0o755); err != nil {
		return err
	}
	if err := atomicWriteBytes(dp, entry.Body); err != nil {
		return err
	}
	meta, err := marshalMeta(entry)
	if err != nil {
		return err
	}
	return atomicWriteBytes(s.metaPath(fingerprint), meta)
}

// evictToFit pops the LRU tail, deleting its files, until total resident
// size is within the configured byte ceiling.
func (s *DiskStore) evictToFit(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.maxBytes <= 0 || s.totalBytes <= s.maxBytes {
			s.mu.Unlock()
			return
		}
		fp, size, ok := s.index.RemoveOldest()
		if !ok {
			s.mu.Unlock()
			return
		}
		s.totalBytes -= size
		s.mu.Unlock()

		_ = s.pool.do(ctx, func() error {
			os.Remove(s.dataPath(fp))
			os.Remove(s.metaPath(fp))
			return nil
		})
		slog.Debug("evicted cache entry", "fingerprint", fp, "size", size)
	}
}

// Get returns a full entry or reports absence. A hit updates recency.
func (s *DiskStore) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	s.mu.Lock()
	_, ok := s.index.Get(fingerprint)
	s.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	var entry Entry
	var found bool
	err := s.pool.do(ctx, func() error {
		e, ok := s.readEntry(fingerprint)
		entry, found = e, ok
		return nil
	})
	if err != nil || !found {
		s.forget(fingerprint)
		return Entry{}, false
	}
	return entry, true
}

// Contains reports presence without materialising the body. Per spec.md
// §4.1 it does not update recency when the probe can be cheaply
// separated from a fetch — which a plain file-exists stat lets us do.
func (s *DiskStore) Contains(ctx context.Context, fingerprint string) bool {
	s.mu.Lock()
	_, ok := s.index.Peek(fingerprint)
	s.mu.Unlock()
	if !ok {
		return false
	}

	var exists bool
	_ = s.pool.do(ctx, func() error {
		_, err := os.Stat(s.dataPath(fingerprint))
		exists = err == nil
		return nil
	})
	if !exists {
		s.forget(fingerprint)
	}
	return exists
}

func (s *DiskStore) readEntry(fingerprint string) (Entry, bool) {
	metaData, err := os.ReadFile(s.metaPath(fingerprint))
	if err != nil {
		return Entry{}, false
	}
	meta, err := unmarshalMeta(metaData)
	if err != nil {
		return Entry{}, false
	}
	body, err := os.ReadFile(s.dataPath(fingerprint))
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		Body:          body,
		ContentType:   meta.ContentType,
		ContentLength: meta.ContentLength,
		LastModified:  meta.LastModified,
	}, true
}

// forget drops a fingerprint the index believed present but whose files
// are actually missing or unreadable (e.g. manual deletion out-of-band),
// self-healing the bookkeeping rather than wedging totalBytes forever.
func (s *DiskStore) forget(fingerprint string) {
	s.mu.Lock()
	if size, ok := s.index.Peek(fingerprint); ok {
		s.totalBytes -= size
		s.index.Remove(fingerprint)
	}
	s.mu.Unlock()
}

// Close stops the worker pool's goroutines.
func (s *DiskStore) Close() {
	s.pool.close()
}

func atomicWriteBytes(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}
