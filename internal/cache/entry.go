package cache

import (
	"encoding/json"
	"fmt"
)

// Entry is the cache value tuple from spec.md §3: the byte-exact origin
// payload plus the subset of origin response headers the dispatcher
// replays on a hit.
type Entry struct {
	Body          []byte
	ContentType   string
	ContentLength string // optional, echoes the origin header verbatim
	LastModified  string // optional, echoes the origin header verbatim
}

// sidecarMeta is the JSON structure persisted alongside the body, adapted
// from the teacher's fsMeta sidecar (internal/cache/fs.go in the teacher
// repo) — body bytes live in their own file, metadata in a small JSON
// file next to it.
type sidecarMeta struct {
	ContentType   string `json:"content_type"`
	ContentLength string `json:"content_length,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
}

func marshalMeta(e Entry) ([]byte, error) {
	data, err := json.Marshal(sidecarMeta{
		ContentType:   e.ContentType,
		ContentLength: e.ContentLength,
		LastModified:  e.LastModified,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling cache metadata: %w", err)
	}
	return data, nil
}

func unmarshalMeta(data []byte) (sidecarMeta, error) {
	var m sidecarMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return sidecarMeta{}, fmt.Errorf("parsing cache metadata: %w", err)
	}
	return m, nil
}
