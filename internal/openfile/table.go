package openfile

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/apipath"
	"github.com/BlockStorage1/repertory-sub002/internal/chunkcache"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Table is the C6 open-file table, keyed by api_path but indexed
// internally by a rename-stable fileID so that a handle issued before a
// rename still resolves correctly afterward (spec.md §4.6's rename
// operations update "every live OpenFile whose api_path == from", which
// this package does by rewriting only the api_path->fileID index).
type Table struct {
	mu sync.Mutex

	pathToID   map[string]fileID
	files      map[fileID]*OpenFile
	handleToID map[uint64]fileID

	nextID     uint64
	nextHandle uint64

	provider provider.Provider
	meta     provider.MetaStore
	cfg      config.Mount
	sink     events.Sink
	log      *logrus.Entry
}

// New builds an empty Table bound to prov/metaStore/cfg.
func New(prov provider.Provider, metaStore provider.MetaStore, cfg config.Mount, sink events.Sink, log *logrus.Entry) *Table {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Table{
		pathToID:   make(map[string]fileID),
		files:      make(map[fileID]*OpenFile),
		handleToID: make(map[uint64]fileID),
		provider:   prov,
		meta:       metaStore,
		cfg:        cfg,
		sink:       sink,
		log:        log,
	}
}

// Get returns the live entry for apiPath, if any.
func (t *Table) Get(apiPath string) (*OpenFile, bool) {
	apiPath = apipath.Format(apiPath)
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.pathToID[apiPath]
	if !ok {
		return nil, false
	}
	return t.files[id], true
}

func (t *Table) sourcePath() string {
	return filepath.Join(t.cfg.CacheDir, uuid.NewString())
}

// resolveLocked returns the entry for apiPath, creating one from
// provider/meta-store state if none is open yet. Caller must hold t.mu.
func (t *Table) resolveLocked(ctx context.Context, p string, forCreate bool) (*OpenFile, *apierror.Error) {
	if id, ok := t.pathToID[p]; ok {
		return t.files[id], nil
	}

	item, aerr := t.provider.GetFile(ctx, p)
	if aerr != nil && !forCreate {
		return nil, aerr
	}

	size := item.Size
	pinned, _ := t.meta.GetPinned(p)

	src := t.sourcePath()
	cache, aerr := chunkcache.New(src, p, size, t.cfg.ChunkSize, t.provider, t.log)
	if aerr != nil {
		return nil, aerr
	}
	cache.SetPinned(pinned)

	of := &OpenFile{
		id: fileID(atomic.AddUint64(&t.nextID, 1)),
		apiPath: p,
		item: FilesystemItem{
			ApiPath:     p,
			ApiParent:   apipath.Parent(p),
			IsDirectory: item.IsDirectory,
			Size:        size,
			SourcePath:  src,
		},
		handles:    make(map[uint64]chunkcache.Flags),
		cache:      cache,
		state:      StateOpen,
		lastAccess: time.Now(),
		pinned:     pinned,
	}

	t.pathToID[p] = of.id
	t.files[of.id] = of
	return of, nil
}

// Open implements spec.md §4.6's open(): resolve or create the entry,
// validate flags against provider capability, allocate a fresh handle.
func (t *Table) Open(ctx context.Context, apiPath string, flags chunkcache.Flags) (uint64, *OpenFile, *apierror.Error) {
	apiPath = apipath.Format(apiPath)

	if flags.Writable() && t.provider.IsReadOnly() {
		return 0, nil, apierror.New(apierror.PermissionDenied)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	of, aerr := t.resolveLocked(ctx, apiPath, false)
	if aerr != nil {
		return 0, nil, aerr
	}

	handle := atomic.AddUint64(&t.nextHandle, 1)
	of.mu.Lock()
	of.handles[handle] = flags
	of.lastAccess = time.Now()
	of.mu.Unlock()

	t.handleToID[handle] = of.id
	t.sink.Raise(events.New(time.Now(), "filesystem_item_opened", map[string]any{"api_path": apiPath, "handle": handle}))
	return handle, of, nil
}

// Create implements spec.md §4.6's create(): refuses an existing
// directory or an O_EXCL collision, otherwise asks the provider to write
// initial metadata and opens a fresh zero-length entry.
func (t *Table) Create(ctx context.Context, apiPath string, meta metadata.Map, flags chunkcache.Flags) (uint64, *OpenFile, *apierror.Error) {
	apiPath = apipath.Format(apiPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pathToID[apiPath]; ok {
		item := t.files[existing].Item()
		if item.IsDirectory {
			return 0, nil, apierror.New(apierror.DirectoryExists)
		}
		if flags&chunkcache.Excl != 0 {
			return 0, nil, apierror.New(apierror.ItemExists)
		}
	} else if item, aerr := t.provider.GetFile(ctx, apiPath); aerr == nil {
		if item.IsDirectory {
			return 0, nil, apierror.New(apierror.DirectoryExists)
		}
		if flags&chunkcache.Excl != 0 {
			return 0, nil, apierror.New(apierror.ItemExists)
		}
	}

	if aerr := t.provider.CreateFile(ctx, apiPath, meta); aerr != nil {
		return 0, nil, aerr
	}

	delete(t.pathToID, apiPath) // drop any stale resolution, force fresh zero-length entry
	of, aerr := t.resolveLocked(ctx, apiPath, true)
	if aerr != nil {
		return 0, nil, aerr
	}

	handle := atomic.AddUint64(&t.nextHandle, 1)
	of.mu.Lock()
	of.handles[handle] = flags
	of.lastAccess = time.Now()
	of.mu.Unlock()
	t.handleToID[handle] = of.id

	t.sink.Raise(events.New(time.Now(), "filesystem_item_created", map[string]any{"api_path": apiPath, "handle": handle}))
	return handle, of, nil
}

// ByHandle returns the entry owning handle, if any, used by fgetattr and
// other handle-scoped operations that must see the open snapshot rather
// than re-resolving the path through the provider.
func (t *Table) ByHandle(handle uint64) (*OpenFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.handleToID[handle]
	if !ok {
		return nil, false
	}
	return t.files[id], true
}

// Close drops handle from its entry's handles map (spec.md §4.6's
// close(): "does not destroy the entry; the reaper does"), except for an
// unlinked entry whose last handle just closed, whose deferred
// provider-side delete runs here.
func (t *Table) Close(ctx context.Context, handle uint64) *apierror.Error {
	t.mu.Lock()
	id, ok := t.handleToID[handle]
	if !ok {
		t.mu.Unlock()
		return apierror.New(apierror.BadFileDescriptor)
	}
	of := t.files[id]
	delete(t.handleToID, handle)
	t.mu.Unlock()

	of.mu.Lock()
	delete(of.handles, handle)
	remaining := len(of.handles)
	unlinked := of.unlinked
	path := of.apiPath
	of.mu.Unlock()

	if unlinked && remaining == 0 {
		aerr := t.provider.RemoveFile(ctx, path)
		t.mu.Lock()
		delete(t.pathToID, path)
		delete(t.files, id)
		t.mu.Unlock()
		return aerr
	}
	return nil
}

// Unlink implements spec.md §4.6's unlink semantics: if the path is
// currently open, mark it unlinked and defer the provider-side delete to
// the last Close; otherwise delete immediately.
func (t *Table) Unlink(ctx context.Context, apiPath string) *apierror.Error {
	apiPath = apipath.Format(apiPath)

	t.mu.Lock()
	id, open := t.pathToID[apiPath]
	var of *OpenFile
	if open {
		of = t.files[id]
	}
	t.mu.Unlock()

	if !open {
		return t.provider.RemoveFile(ctx, apiPath)
	}

	of.mu.Lock()
	hasHandles := len(of.handles) > 0
	of.mu.Unlock()

	if hasHandles {
		snapshot, _ := t.provider.GetItemMeta(ctx, apiPath)
		if snapshot == nil {
			snapshot = metadata.New()
		}
		of.markUnlinked(snapshot)
		return nil
	}

	if aerr := t.provider.RemoveFile(ctx, apiPath); aerr != nil {
		return aerr
	}
	t.mu.Lock()
	delete(t.pathToID, apiPath)
	delete(t.files, id)
	t.mu.Unlock()
	return nil
}

// RenameFile implements spec.md §4.6's rename_file: refuses a directory
// destination, refuses an existing file destination without overwrite,
// and on success atomically updates the provider and the api_path of any
// live OpenFile for `from`.
func (t *Table) RenameFile(ctx context.Context, from, to string, overwrite bool) *apierror.Error {
	from, to = apipath.Format(from), apipath.Format(to)

	if item, aerr := t.provider.GetFile(ctx, to); aerr == nil {
		if item.IsDirectory {
			return apierror.New(apierror.DirectoryExists)
		}
		if !overwrite {
			return apierror.New(apierror.ItemExists)
		}
	}

	if aerr := t.provider.RenameFile(ctx, from, to); aerr != nil {
		return aerr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.pathToID[from]; ok {
		delete(t.pathToID, from)
		t.pathToID[to] = id
		of := t.files[id]
		of.mu.Lock()
		of.apiPath = to
		of.item.ApiPath = to
		of.item.ApiParent = apipath.Parent(to)
		of.mu.Unlock()
	}
	return nil
}

// RenameDirectory implements spec.md §4.6's rename_directory: same as
// RenameFile, plus rewrites every descendant OpenFile's api_path.
func (t *Table) RenameDirectory(ctx context.Context, from, to string) *apierror.Error {
	from, to = apipath.Format(from), apipath.Format(to)

	if aerr := t.provider.RenameDirectory(ctx, from, to); aerr != nil {
		return aerr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for path, id := range t.pathToID {
		if path != from && !apipath.IsParentOf(from, path) {
			continue
		}
		newPath := apipath.Reparent(from, to, path)
		delete(t.pathToID, path)
		t.pathToID[newPath] = id
		of := t.files[id]
		of.mu.Lock()
		of.apiPath = newPath
		of.item.ApiPath = newPath
		of.item.ApiParent = apipath.Parent(newPath)
		of.mu.Unlock()
	}
	return nil
}

// OpenFileCount returns the number of live table entries.
func (t *Table) OpenFileCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Entries returns a snapshot slice of every live OpenFile, consulted by
// C8's chunk- and file-level sweeps and by the reaper.
func (t *Table) Entries() []*OpenFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*OpenFile, 0, len(t.files))
	for _, of := range t.files {
		out = append(out, of)
	}
	return out
}

// remove drops an entry from both indexes unconditionally, used by the
// reaper once isClosable has been confirmed.
func (t *Table) remove(of *OpenFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.pathToID[of.apiPath]; ok && id == of.id {
		delete(t.pathToID, of.apiPath)
	}
	delete(t.files, of.id)
}

// Evict drops of from the table and deletes its backing source file,
// used by the eviction engine's file-level sweep (spec.md §4.8: "drop
// the entire source file and the cache entry"). The caller is expected
// to have already confirmed of is closable for file-level eviction
// (no handles, unmodified, unpinned).
func (t *Table) Evict(of *OpenFile) error {
	t.remove(of)
	return of.cache.Remove()
}
