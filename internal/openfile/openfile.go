// Package openfile implements C6: the open-file table of spec.md §3 and
// §4.6 — one entry per api_path, reference-counted by live client
// handles, driving the chunk cache (C5) and feeding the uploader (C7)
// and eviction engine (C8).
package openfile

import (
	"sync"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/chunkcache"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
)

// State is one of OpenFile's three lifecycle states (spec.md §3).
type State int

// The OpenFile state machine. Once Error is latched it is never
// downgraded back to Open (spec.md §9).
const (
	StateOpen State = iota
	StateClosing
	StateError
)

// FilesystemItem mirrors spec.md §3's FilesystemItem: directories carry
// size 0 and an empty SourcePath; SourcePath is nonempty iff the file has
// ever been materialized.
type FilesystemItem struct {
	ApiPath     string
	ApiParent   string
	IsDirectory bool
	Size        int64
	SourcePath  string
}

// fileID is the table's internal, rename-stable identity for an
// OpenFile, so that handle->entry lookups survive a rename that only
// ever touches the api_path->fileID index (see Table).
type fileID uint64

// OpenFile is one C6 table entry.
type OpenFile struct {
	mu sync.Mutex

	id      fileID
	apiPath string // mutable under rename; Table holds the authoritative index
	item    FilesystemItem

	modified bool
	pinned   bool

	handles map[uint64]chunkcache.Flags
	cache   *chunkcache.Cache

	state    State
	stateErr *apierror.Error

	lastAccess time.Time

	unlinked     bool
	unlinkedMeta metadata.Map
}

// ApiPath returns the current (possibly renamed) api_path.
func (of *OpenFile) ApiPath() string {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.apiPath
}

// Item returns a copy of the current FilesystemItem snapshot.
func (of *OpenFile) Item() FilesystemItem {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.item
}

// Cache returns the owned ChunkCache.
func (of *OpenFile) Cache() *chunkcache.Cache { return of.cache }

// Modified reports whether any writer has ever dirtied this file.
func (of *OpenFile) Modified() bool {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.modified
}

// MarkModified latches modified = true. Table.Open and Table.Create do not
// call it; the mount dispatcher does, when a file is created with a
// writable handle and after each successful write or resize.
func (of *OpenFile) MarkModified() {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.modified = true
}

// ClearModified clears modified after a successful upload (spec.md §4.7).
func (of *OpenFile) ClearModified() {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.modified = false
}

// Pinned reports META_PINNED.
func (of *OpenFile) Pinned() bool {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.pinned
}

// SetPinned sets/clears META_PINNED and mirrors it onto the cache, since
// pinning excludes every chunk from chunk-level eviction (spec.md §4.8).
func (of *OpenFile) SetPinned(pinned bool) {
	of.mu.Lock()
	of.pinned = pinned
	of.mu.Unlock()
	of.cache.SetPinned(pinned)
}

// State returns the current lifecycle state and, if StateError, the
// latched terminal error.
func (of *OpenFile) State() (State, *apierror.Error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.state, of.stateErr
}

// Fail latches a terminal error onto the entry. Once StateError is set it
// is never downgraded (spec.md §9): a later call with a non-terminal code
// or while already in StateError is a no-op.
func (of *OpenFile) Fail(err *apierror.Error) {
	if err == nil || !err.IsTerminal() {
		return
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.state == StateError {
		return
	}
	of.state = StateError
	of.stateErr = err
}

// HandleCount returns the number of live client handles.
func (of *OpenFile) HandleCount() int {
	of.mu.Lock()
	defer of.mu.Unlock()
	return len(of.handles)
}

// LastAccess returns the last_access instant, consulted by C8's
// file-level sweep ordering.
func (of *OpenFile) LastAccess() time.Time {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.lastAccess
}

// Touch refreshes last_access, used by the reaper's idle timer.
func (of *OpenFile) Touch(now time.Time) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.lastAccess = now
}

// Unlinked reports whether the path has been removed while this entry
// was still open.
func (of *OpenFile) Unlinked() (bool, metadata.Map) {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.unlinked, of.unlinkedMeta
}

// markUnlinked snapshots meta and flips the unlinked flag (spec.md §4.6:
// "the entry is marked unlinked, its meta snapshot is captured").
func (of *OpenFile) markUnlinked(meta metadata.Map) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.unlinked = true
	of.unlinkedMeta = meta.Clone()
}

// isClosable implements spec.md §4.6's reaper predicate:
// "handles.is_empty() && !modified && (cache.is_complete || error.is_terminal
// || last_access elapsed >= chunk_timeout)". Caller must not hold of.mu.
func (of *OpenFile) isClosable(now time.Time, chunkTimeout time.Duration) bool {
	of.mu.Lock()
	empty := len(of.handles) == 0
	modified := of.modified
	terminal := of.state == StateError
	idle := now.Sub(of.lastAccess) >= chunkTimeout
	of.mu.Unlock()

	if !empty || modified {
		return false
	}
	return of.cache.IsComplete() || terminal || idle
}
