// Package normalize defines the per-agent translation contract from a raw
// chunkstream.Chunk sequence into the uniform model.NormalizedEntry stream,
// plus the shared index-coalescing and path-relativizing helpers every
// per-agent normalizer (streamjson, codexjsonl, cursorjsonl, acp) needs.
package normalize

import (
	"path/filepath"
	"strings"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
)

// Normalizer translates one execution's raw output into normalized entries.
// Implementations must preserve entry order, never throw on malformed
// lines, and honor the index-coalescing invariants below.
type Normalizer interface {
	Normalize(chunks <-chan chunkstream.Chunk, workDir string) <-chan model.NormalizedEntry
}

// Indexer assigns dense, zero-based indices to normalized entries and
// tracks which logical key (a streaming message, a tool-use id) currently
// owns the most recently emitted index, so a normalizer can decide whether
// the next event continues that index (coalescing) or starts a new one.
//
// Indexer is owned by a single execution's normalizer instance; it must
// never be shared across executions, and must stay an owned value of the
// normalizer instance rather than process-global state.
type Indexer struct {
	next    int
	current map[string]int
}

// NewIndexer creates an empty Indexer starting at index 0.
func NewIndexer() *Indexer {
	return &Indexer{current: make(map[string]int)}
}

// Alloc reserves and returns the next unused index.
func (ix *Indexer) Alloc() int {
	i := ix.next
	ix.next++
	return i
}

// IndexFor returns the index currently associated with key and true, or
// (0, false) if no index is active for that key yet.
func (ix *Indexer) IndexFor(key string) (int, bool) {
	i, ok := ix.current[key]
	return i, ok
}

// Bind associates key with idx, so a later IndexFor(key) reuses it.
func (ix *Indexer) Bind(key string, idx int) {
	ix.current[key] = idx
}

// Release forgets key, ending its coalescing window (e.g. a user_message
// arriving closes any active streaming assistant message).
func (ix *Indexer) Release(key string) {
	delete(ix.current, key)
}

// ReleaseAll clears every active coalescing key. Used when an entry type
// that can never coalesce (e.g. a terminal result) arrives.
func (ix *Indexer) ReleaseAll() {
	ix.current = make(map[string]int)
}

// RelativizePath makes an absolute path working-directory-relative when
// doing so is shorter and the relative form does not escape upward more
// than one "..") component. Otherwise the original path is
// returned unchanged.
func RelativizePath(workDir, path string) string {
	if workDir == "" || path == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(workDir, path)
	if err != nil {
		return path
	}
	if len(rel) >= len(path) {
		return path
	}
	upCount := strings.Count(rel, ".."+string(filepath.Separator))
	if strings.HasPrefix(rel, "..") && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		upCount++ // bare ".." with nothing after it
	}
	if upCount > 1 {
		return path
	}
	return rel
}
