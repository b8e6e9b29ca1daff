// Package provider defines the narrow interfaces the core consumes from
// its external collaborators (spec.md §6): the object-store/passthrough
// Provider and the RocksDB-or-equivalent MetaStore. Concrete
// implementations (S3, Sia, encrypt-passthrough, RocksDB) are out of
// scope; this package only defines the boundary.
package provider

import (
	"context"
	"io"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
)

// DirectoryItem is one entry returned by GetDirectoryItems.
type DirectoryItem struct {
	ApiPath     string
	ApiParent   string
	IsDirectory bool
	Size        int64
}

// StopSignal is polled by long-running Provider operations (read/upload)
// so that unmount can cancel them between byte-range boundaries
// (spec.md §4.7, §5).
type StopSignal interface {
	Stopped() bool
}

// StopFunc adapts a function to StopSignal.
type StopFunc func() bool

// Stopped implements StopSignal.
func (f StopFunc) Stopped() bool { return f() }

// Provider is the interface the core consumes from a concrete
// object-store/passthrough driver (spec.md §6).
type Provider interface {
	// IsReadOnly is pure.
	IsReadOnly() bool

	CreateDirectory(ctx context.Context, apiPath string, meta metadata.Map) *apierror.Error
	CreateFile(ctx context.Context, apiPath string, meta metadata.Map) *apierror.Error

	RemoveFile(ctx context.Context, apiPath string) *apierror.Error
	RemoveDirectory(ctx context.Context, apiPath string) *apierror.Error

	GetItemMeta(ctx context.Context, apiPath string) (metadata.Map, *apierror.Error)
	SetItemMeta(ctx context.Context, apiPath string, values map[string]string) *apierror.Error

	GetDirectoryItems(ctx context.Context, apiPath string) ([]DirectoryItem, *apierror.Error)

	GetFile(ctx context.Context, apiPath string) (DirectoryItem, *apierror.Error)
	GetFileSize(ctx context.Context, apiPath string) (int64, *apierror.Error)
	GetFileList(ctx context.Context) ([]DirectoryItem, *apierror.Error)

	// ReadFileBytes fills buf[:n] from apiPath at offset, respecting stop.
	ReadFileBytes(ctx context.Context, apiPath string, size int64, offset int64, buf []byte, stop StopSignal) (n int, err *apierror.Error)

	// UploadFile streams sourcePath's contents up as apiPath. Idempotent
	// retry target (spec.md §6).
	UploadFile(ctx context.Context, apiPath string, sourcePath string, stop StopSignal) *apierror.Error

	// RenameFile/RenameDirectory are optional; a provider that lacks
	// native rename returns NotImplemented. The rename callers in this
	// module return that error unchanged; no copy+delete fallback exists.
	RenameFile(ctx context.Context, from, to string) *apierror.Error
	RenameDirectory(ctx context.Context, from, to string) *apierror.Error

	// StatFS aggregates overall usage for statfs().
	StatFS(ctx context.Context) (totalBytes, freeBytes, usedBytes, totalItems uint64, err *apierror.Error)
}

// SourceReader is implemented by providers whose ReadFileBytes is more
// naturally expressed as a stream. No package in this module consumes it:
// chunkcache reads through Provider.ReadFileBytes and the uploader goes
// through Provider.UploadFile.
type SourceReader interface {
	OpenSource(ctx context.Context, apiPath string) (io.ReadCloser, *apierror.Error)
}

// MetaStore is the transactional key-value store behind a Provider's
// metadata, mirroring the four logical tables of spec.md §6.
type MetaStore interface {
	GetMeta(apiPath string) (metadata.Map, error)
	SetMeta(apiPath string, values map[string]string) error
	RemoveMeta(apiPath string) error

	GetPinned(apiPath string) (bool, error)
	SetPinned(apiPath string, pinned bool) error

	GetSize(apiPath string) (int64, error)
	SetSize(apiPath string, size int64) error

	// GetApiPathForSource resolves the source → api_path reverse index.
	GetApiPathForSource(sourcePath string) (string, error)

	Close() error
}
