package fetch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/mdah-community/node/internal/cache"
)

// StreamToCache streams src to dst while simultaneously accumulating the
// same bytes into an in-memory buffer, handing the complete buffer to
// store.Put once src is exhausted. Adapted from the teacher's
// internal/stream/tee.go TeeToStore: an io.Pipe fans bytes to a
// background goroutine that owns the cache write, so a slow or failing
// store never blocks delivery to dst.
//
// contentType/contentLength/lastModified are the headers captured from
// the upstream response (spec.md §4.3 step 3); contentLength sizes the
// accumulator's initial capacity when present, per spec.md §4.3 step 4,
// so the common case needs no buffer growth.
//
// On a mid-stream error reading src, the client has already received
// whatever bytes made it to dst before the failure; the cache is not
// populated and the error is returned to the caller for logging
// (spec.md §4.3 step 6 / §7).
func StreamToCache(ctx context.Context, src io.Reader, dst io.Writer, store cache.Store, fingerprint, contentType, contentLength, lastModified string) error {
	pr, pw := io.Pipe()
	sw := &safeWriter{w: pw}
	tee := io.TeeReader(src, sw)

	uploadDone := make(chan struct{})
	go func() {
		defer close(uploadDone)

		capacity := 0
		if n, err := strconv.Atoi(contentLength); err == nil && n > 0 {
			capacity = n
		}
		buf := bytes.NewBuffer(make([]byte, 0, capacity))

		if _, err := io.Copy(buf, pr); err != nil {
			slog.Debug("cache accumulation failed", "fingerprint", fingerprint, "error", err)
			io.Copy(io.Discard, pr)
			return
		}

		entry := cache.Entry{
			Body:          buf.Bytes(),
			ContentType:   contentType,
			ContentLength: contentLength,
			LastModified:  lastModified,
		}
		if err := store.Put(ctx, fingerprint, entry); err != nil {
			slog.Debug("cache put failed", "fingerprint", fingerprint, "error", err)
		}
	}()

	_, copyErr := io.Copy(dst, tee)

	// Closing with the copy error makes the accumulator's io.Copy fail too,
	// so a truncated body is never handed to store.Put.
	if copyErr != nil {
		pw.CloseWithError(copyErr)
	} else {
		pw.Close()
	}
	<-uploadDone

	return copyErr
}

// safeWriter discards writes after the first error so a cache-side pipe
// failure never propagates back into the TeeReader and interrupts
// delivery to the client.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}
