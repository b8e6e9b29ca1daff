// Package mountdispatch implements C10: the mount dispatcher of spec.md
// §4.10 — the logical filesystem operation set invoked by the local
// kernel bridge, translating each call into operations on the open-file
// table (C6), the chunk cache (C5, via C6), the directory iterator cache
// (C9) and the uploader (C7). internal/remoterpc (C11) wraps the same
// Dispatcher so both surfaces share one implementation, as spec.md §4.10
// requires ("Both expose the same logical operation set").
package mountdispatch

import (
	"context"
	"os"
	"strconv"
	"time"

	"bazil.org/fuse"
	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/apipath"
	"github.com/BlockStorage1/repertory-sub002/internal/chunkcache"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/dircache"
	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	"github.com/BlockStorage1/repertory-sub002/internal/openfile"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/BlockStorage1/repertory-sub002/internal/uploader"
	"github.com/sirupsen/logrus"
)

// Access mask bits, the POSIX access(2) request mask (spec.md §4.10).
const (
	MaskRead    uint32 = 4
	MaskWrite   uint32 = 2
	MaskExecute uint32 = 1
)

// CallerInfo carries the effective caller identity the kernel bridge (or
// C11, relaying a remote caller) supplies per call, consulted by the
// POSIX access check (spec.md §4.10).
type CallerInfo struct {
	UID uint32
	GID uint32
	PID uint32
}

// Dispatcher is the C10/C11 shared logical operation set.
type Dispatcher struct {
	table    *openfile.Table
	dirs     *dircache.Cache
	provider provider.Provider
	meta     provider.MetaStore
	cfg      config.Mount
	upload   *uploader.Uploader
	sink     events.Sink
	log      *logrus.Entry
}

// New builds a Dispatcher. upload may be nil, in which case writes mark
// files modified but nothing schedules their upload (the caller is
// expected to run its own uploader loop in that case).
func New(table *openfile.Table, dirs *dircache.Cache, prov provider.Provider, metaStore provider.MetaStore, cfg config.Mount, upload *uploader.Uploader, sink events.Sink, log *logrus.Entry) *Dispatcher {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Dispatcher{
		table:    table,
		dirs:     dirs,
		provider: prov,
		meta:     metaStore,
		cfg:      cfg,
		upload:   upload,
		sink:     sink,
		log:      log,
	}
}

// effective applies forced_uid/forced_gid (spec.md §4.10: "forced_uid/gid/
// umask mount options override per call").
func (d *Dispatcher) effective(caller CallerInfo) (uid, gid uint32) {
	uid, gid = caller.UID, caller.GID
	if d.cfg.ForcedUID != nil {
		uid = *d.cfg.ForcedUID
	}
	if d.cfg.ForcedGID != nil {
		gid = *d.cfg.ForcedGID
	}
	return
}

// effectiveMode applies forced_umask to a creation mode, mirroring the
// POSIX umask-at-creation rule.
func (d *Dispatcher) effectiveMode(mode uint32) uint32 {
	if d.cfg.ForcedUmask != nil {
		mode &^= *d.cfg.ForcedUmask
	}
	return mode
}

func ownerMode(meta metadata.Map) (uid, gid uint32, mode uint32) {
	uid = parseUint32(meta[metadata.KeyUID])
	gid = parseUint32(meta[metadata.KeyGID])
	mode = parseUint32(meta[metadata.KeyMode])
	return
}

func parseUint32(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// Access implements spec.md §4.10's access(): checks mask against the
// stored META_UID/GID/MODE and the effective caller identity, root
// bypassing the check entirely.
func (d *Dispatcher) Access(ctx context.Context, apiPath string, mask uint32, caller CallerInfo) *apierror.Error {
	uid, gid := d.effective(caller)
	if uid == 0 {
		return nil
	}

	meta, aerr := d.provider.GetItemMeta(ctx, apiPath)
	if aerr != nil {
		return aerr
	}
	ownerUID, ownerGID, mode := ownerMode(meta)

	var perm uint32
	switch {
	case ownerUID == uid:
		perm = (mode >> 6) & 0o7
	case ownerGID == gid:
		perm = (mode >> 3) & 0o7
	default:
		perm = mode & 0o7
	}
	if mask&^perm != 0 {
		return apierror.New(apierror.PermissionDenied)
	}
	return nil
}

// Stat is the POSIX attribute record returned by GetAttr/FGetAttr,
// expressed with bazil.org/fuse's Attr type per SPEC_FULL.md §3 since the
// wire format already is "a fixed-layout POSIX stat record".
type Stat = fuse.Attr

func nsToTime(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func statFromMeta(item FilesystemItem, meta metadata.Map) Stat {
	uid, gid, mode := ownerMode(meta)
	st := Stat{
		Size:   uint64(item.Size),
		Uid:    uid,
		Gid:    gid,
		Mode:   os.FileMode(mode),
		Nlink:  1,
		Atime:  nsToTime(int64(parseUint64(meta[metadata.KeyAccessed]))),
		Mtime:  nsToTime(int64(parseUint64(meta[metadata.KeyModified]))),
		Ctime:  nsToTime(int64(parseUint64(meta[metadata.KeyChanged]))),
		Crtime: nsToTime(int64(parseUint64(meta[metadata.KeyCreation]))),
		Flags:  parseUint32(meta[metadata.KeyOsxFlags]),
	}
	if item.IsDirectory {
		st.Mode |= os.ModeDir
	}
	return st
}

func parseUint64(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// FilesystemItem is the narrow view GetAttr needs, decoupled from
// openfile.FilesystemItem so this package does not need an open handle to
// stat an unopened path.
type FilesystemItem struct {
	Size        int64
	IsDirectory bool
}

// GetAttr implements spec.md §4.10's getattr(): resolves the path through
// the provider (not requiring an open handle) and maps META_UID/GID/MODE
// plus the extended timestamps onto a Stat.
func (d *Dispatcher) GetAttr(ctx context.Context, apiPath string) (Stat, bool, *apierror.Error) {
	apiPath = apipath.Format(apiPath)
	item, aerr := d.provider.GetFile(ctx, apiPath)
	if aerr != nil {
		return Stat{}, false, aerr
	}
	meta, aerr := d.provider.GetItemMeta(ctx, apiPath)
	if aerr != nil {
		return Stat{}, false, aerr
	}
	st := statFromMeta(FilesystemItem{Size: item.Size, IsDirectory: item.IsDirectory}, meta)
	return st, item.IsDirectory, nil
}

// FGetAttr implements spec.md §4.10's fgetattr(): uses the open
// OpenFile's snapshot (current size, possibly dirty) rather than
// re-resolving the provider.
func (d *Dispatcher) FGetAttr(ctx context.Context, handle uint64) (Stat, bool, *apierror.Error) {
	of, ok := d.table.ByHandle(handle)
	if !ok {
		return Stat{}, false, apierror.New(apierror.BadFileDescriptor)
	}
	item := of.Item()
	meta, aerr := d.provider.GetItemMeta(ctx, item.ApiPath)
	if aerr != nil {
		meta = metadata.New()
	}
	st := statFromMeta(FilesystemItem{Size: item.Size, IsDirectory: item.IsDirectory}, meta)
	return st, item.IsDirectory, nil
}

// Mkdir implements spec.md §4.10's mkdir().
func (d *Dispatcher) Mkdir(ctx context.Context, apiPath string, mode uint32, caller CallerInfo) *apierror.Error {
	apiPath = apipath.Format(apiPath)
	uid, gid := d.effective(caller)
	meta := metadata.New()
	meta[metadata.KeyUID] = itoa(uid)
	meta[metadata.KeyGID] = itoa(gid)
	meta[metadata.KeyMode] = itoa(d.effectiveMode(mode))
	meta[metadata.KeyDirectory] = "true"
	now := itoa64(time.Now().UnixNano())
	meta[metadata.KeyCreation] = now
	meta[metadata.KeyModified] = now
	meta[metadata.KeyChanged] = now

	if aerr := d.provider.CreateDirectory(ctx, apiPath, meta); aerr != nil {
		return aerr
	}
	d.sink.Raise(events.New(time.Now(), "filesystem_directory_created", map[string]any{"api_path": apiPath}))
	return nil
}

// Rmdir implements spec.md §4.10's rmdir(): refuses a non-empty directory.
func (d *Dispatcher) Rmdir(ctx context.Context, apiPath string) *apierror.Error {
	apiPath = apipath.Format(apiPath)
	items, aerr := d.provider.GetDirectoryItems(ctx, apiPath)
	if aerr != nil {
		return aerr
	}
	for _, it := range items {
		if it.ApiPath == "." || it.ApiPath == ".." {
			continue
		}
		return apierror.New(apierror.NotEmpty)
	}
	return d.provider.RemoveDirectory(ctx, apiPath)
}

func itoa(v uint32) string  { return strconv.FormatUint(uint64(v), 10) }
func itoa64(v int64) string { return strconv.FormatInt(v, 10) }

// Create implements spec.md §4.10's create(): builds initial metadata for
// the caller identity and mode, then opens through C6.
func (d *Dispatcher) Create(ctx context.Context, apiPath string, flags chunkcache.Flags, mode uint32, caller CallerInfo) (uint64, *apierror.Error) {
	apiPath = apipath.Format(apiPath)
	uid, gid := d.effective(caller)
	meta := metadata.New()
	meta[metadata.KeyUID] = itoa(uid)
	meta[metadata.KeyGID] = itoa(gid)
	meta[metadata.KeyMode] = itoa(d.effectiveMode(mode))
	now := itoa64(time.Now().UnixNano())
	meta[metadata.KeyCreation] = now
	meta[metadata.KeyModified] = now
	meta[metadata.KeyChanged] = now

	handle, of, aerr := d.table.Create(ctx, apiPath, meta, flags)
	if aerr != nil {
		return 0, aerr
	}
	if flags.Writable() {
		of.MarkModified()
	}
	return handle, nil
}

// Open implements spec.md §4.10's open().
func (d *Dispatcher) Open(ctx context.Context, apiPath string, flags chunkcache.Flags) (uint64, *apierror.Error) {
	handle, _, aerr := d.table.Open(ctx, apiPath, flags)
	return handle, aerr
}

// Read implements spec.md §4.10's read(), delegating to C5 through the
// owning OpenFile's ChunkCache.
func (d *Dispatcher) Read(ctx context.Context, handle uint64, size int64, offset int64) ([]byte, *apierror.Error) {
	of, ok := d.table.ByHandle(handle)
	if !ok {
		return nil, apierror.New(apierror.BadFileDescriptor)
	}
	if st, err := of.State(); st == openfile.StateError {
		return nil, err
	}
	of.Touch(time.Now())
	data, aerr := of.Cache().Read(ctx, size, offset)
	if aerr != nil {
		of.Fail(aerr)
	}
	return data, aerr
}

// Write implements spec.md §4.10's write(), marking the entry modified
// and, if an Uploader is wired, scheduling its write-back job.
func (d *Dispatcher) Write(ctx context.Context, handle uint64, data []byte, offset int64, flags chunkcache.Flags) (int, *apierror.Error) {
	of, ok := d.table.ByHandle(handle)
	if !ok {
		return 0, apierror.New(apierror.BadFileDescriptor)
	}
	if st, err := of.State(); st == openfile.StateError {
		return 0, err
	}

	n, aerr := of.Cache().Write(ctx, flags, offset, data)
	if aerr != nil {
		of.Fail(aerr)
		return n, aerr
	}
	of.MarkModified()
	of.Touch(time.Now())
	if d.upload != nil {
		d.upload.Schedule(ctx, of)
	}
	return n, nil
}

// Truncate implements spec.md §4.10's truncate(api_path, size): resolves
// or opens the entry and invokes ChunkCache.Resize.
func (d *Dispatcher) Truncate(ctx context.Context, apiPath string, size int64) *apierror.Error {
	handle, of, aerr := d.table.Open(ctx, apiPath, chunkcache.ReadWrite)
	if aerr != nil {
		return aerr
	}
	defer d.table.Close(ctx, handle)
	return d.ftruncateOpenFile(ctx, of, size)
}

// FTruncate implements spec.md §4.10's ftruncate(handle, size).
func (d *Dispatcher) FTruncate(ctx context.Context, handle uint64, size int64) *apierror.Error {
	of, ok := d.table.ByHandle(handle)
	if !ok {
		return apierror.New(apierror.BadFileDescriptor)
	}
	return d.ftruncateOpenFile(ctx, of, size)
}

func (d *Dispatcher) ftruncateOpenFile(ctx context.Context, of *openfile.OpenFile, size int64) *apierror.Error {
	if aerr := of.Cache().Resize(size); aerr != nil {
		of.Fail(aerr)
		return aerr
	}
	of.MarkModified()
	if d.upload != nil {
		d.upload.Schedule(ctx, of)
	}
	return nil
}

// Rename implements spec.md §4.10's rename(from, to, replace_if_exists),
// dispatching to RenameDirectory or RenameFile per §4.6 based on the
// source's current kind.
func (d *Dispatcher) Rename(ctx context.Context, from, to string, replaceIfExists bool) *apierror.Error {
	from, to = apipath.Format(from), apipath.Format(to)
	item, aerr := d.provider.GetFile(ctx, from)
	if aerr != nil {
		return aerr
	}
	if item.IsDirectory {
		return d.table.RenameDirectory(ctx, from, to)
	}
	return d.table.RenameFile(ctx, from, to, replaceIfExists)
}

// Unlink implements spec.md §4.10's unlink().
func (d *Dispatcher) Unlink(ctx context.Context, apiPath string) *apierror.Error {
	return d.table.Unlink(ctx, apipath.Format(apiPath))
}

// Release implements fuse_release/winfsp_close: close the handle and, if
// this was the last handle on a modified file, schedule its upload.
func (d *Dispatcher) Release(ctx context.Context, handle uint64) *apierror.Error {
	of, ok := d.table.ByHandle(handle)
	if ok && d.upload != nil && of.HandleCount() <= 1 {
		d.upload.Schedule(ctx, of)
	}
	return d.table.Close(ctx, handle)
}

// StatFSResult is the aggregate usage spec.md §4.10's statfs() reports.
type StatFSResult struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
	TotalItems uint64
}

// StatFS implements spec.md §4.10's statfs().
func (d *Dispatcher) StatFS(ctx context.Context) (StatFSResult, *apierror.Error) {
	total, free, used, items, aerr := d.provider.StatFS(ctx)
	if aerr != nil {
		return StatFSResult{}, aerr
	}
	return StatFSResult{TotalBytes: total, FreeBytes: free, UsedBytes: used, TotalItems: items}, nil
}

// Pin implements the META_PINNED extended-attribute toggle (spec.md
// §4.8): persists the flag through the MetaStore and mirrors it onto any
// currently-open entry so chunk/file-level eviction sees it immediately.
func (d *Dispatcher) Pin(ctx context.Context, apiPath string, pinned bool) *apierror.Error {
	apiPath = apipath.Format(apiPath)
	if err := d.meta.SetPinned(apiPath, pinned); err != nil {
		return apierror.Wrap(apierror.Error, err, "set pinned")
	}
	if of, ok := d.table.Get(apiPath); ok {
		of.SetPinned(pinned)
	}
	return nil
}
