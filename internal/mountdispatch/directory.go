package mountdispatch

import (
	"context"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/apipath"
	"github.com/BlockStorage1/repertory-sub002/internal/dircache"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
)

// dotEntries prepends "." and ".." per spec.md §6's
// "GetDirectoryItems ... always leads with . and .. directory entries".
func dotEntries(apiPath string) []provider.DirectoryItem {
	parent := apipath.Parent(apiPath)
	return []provider.DirectoryItem{
		{ApiPath: ".", ApiParent: apiPath, IsDirectory: true},
		{ApiPath: "..", ApiParent: parent, IsDirectory: true},
	}
}

// OpenDir implements spec.md §4.9's opendir(): snapshots the directory
// listing (with "." and ".." entries) and associates the handle with
// clientID ("" for a local mount).
func (d *Dispatcher) OpenDir(ctx context.Context, apiPath string, clientID string) (uint64, *apierror.Error) {
	apiPath = apipath.Format(apiPath)
	items, aerr := d.provider.GetDirectoryItems(ctx, apiPath)
	if aerr != nil {
		return 0, aerr
	}
	items = append(dotEntries(apiPath), items...)
	return d.dirs.OpenDir(apiPath, items, clientID), nil
}

// ReadDir implements spec.md §4.9's readdir(handle, offset): one entry at
// offset. A missing handle returns BadFileDescriptor.
func (d *Dispatcher) ReadDir(handle uint64, offset int) (dircache.Entry, bool, *apierror.Error) {
	return d.dirs.ReadDir(handle, offset)
}

// ReadDirPage returns one REPERTORY_DIRECTORY_PAGE_SIZE page of
// JSON-serialized entries, the remote readdir variant (spec.md §4.9).
func (d *Dispatcher) ReadDirPage(handle uint64, offset int) ([]byte, *apierror.Error) {
	return d.dirs.ReadDirPage(handle, offset)
}

// ReleaseDir implements spec.md §4.9's releasedir(handle).
func (d *Dispatcher) ReleaseDir(handle uint64) *apierror.Error {
	return d.dirs.ReleaseDir(handle)
}

// CreateDirectorySnapshot implements the `::json_create_directory_snapshot`
// RPC's logical op: open the directory and report its handle and page
// count together, the shape `remote_server_base.hpp`'s
// handle_json_create_directory_snapshot builds before JSON-encoding it.
func (d *Dispatcher) CreateDirectorySnapshot(ctx context.Context, apiPath, clientID string) (handle uint64, pageCount int, err *apierror.Error) {
	handle, err = d.OpenDir(ctx, apiPath, clientID)
	if err != nil {
		return 0, 0, err
	}
	total, _ := d.dirs.Len(handle)
	pageCount = (total + dircache.PageSize - 1) / dircache.PageSize
	return handle, pageCount, nil
}
