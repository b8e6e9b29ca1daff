// Windows-only operation set (spec.md §4.10). Payloads are expressed with
// github.com/winfsp/cgofuse/fuse's Stat_t, the teacher's WinFsp-facing
// dependency, per SPEC_FULL.md §3 — only the struct shape is reused, the
// cgofuse mount loop itself is never invoked here.
package mountdispatch

import (
	"context"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/apipath"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	cgofuse "github.com/winfsp/cgofuse/fuse"
)

// CanDelete implements winfsp_can_delete: a non-empty directory is refused
// with NotEmpty; files and empty directories are allowed. No permission
// check is made.
func (d *Dispatcher) CanDelete(ctx context.Context, apiPath string) *apierror.Error {
	apiPath = apipath.Format(apiPath)
	item, aerr := d.provider.GetFile(ctx, apiPath)
	if aerr != nil {
		return aerr
	}
	if !item.IsDirectory {
		return nil
	}
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
	return nil
}

// Cleanup implements winfsp_cleanup: on a delete-on-close flag it unlinks
// the path and reports whether the delete actually happened.
func (d *Dispatcher) Cleanup(ctx context.Context, apiPath string, deleteOnClose bool) (wasDeleted bool, err *apierror.Error) {
	if !deleteOnClose {
		return false, nil
	}
	if aerr := d.Unlink(ctx, apiPath); aerr != nil {
		return false, aerr
	}
	return true, nil
}

// SecurityInfo is the (SDDL, attribute mask) pair winfsp_get_security_by_name
// reports (spec.md §4.10).
type SecurityInfo struct {
	SDDL       string
	Attributes uint32
}

// GetSecurityByName implements winfsp_get_security_by_name: the core has
// no native ACL model, so it always reports the same fixed SDDL string
// (owner and group built-in administrators, full access for everyone).
// META_UID/GID/MODE are not consulted; only the attribute mask depends on
// whether the item is a directory.
func (d *Dispatcher) GetSecurityByName(ctx context.Context, apiPath string) (SecurityInfo, *apierror.Error) {
	apiPath = apipath.Format(apiPath)
	item, aerr := d.provider.GetFile(ctx, apiPath)
	if aerr != nil {
		return SecurityInfo{}, aerr
	}
	_, aerr = d.provider.GetItemMeta(ctx, apiPath)
	if aerr != nil {
		return SecurityInfo{}, aerr
	}
	attrs := uint32(0x80) // FILE_ATTRIBUTE_NORMAL
	if item.IsDirectory {
		attrs = 0x10 // FILE_ATTRIBUTE_DIRECTORY
	}
	return SecurityInfo{SDDL: "O:BAG:BAD:PAI(A;;FA;;;WD)", Attributes: attrs}, nil
}

// SetBasicInfo implements winfsp_set_basic_info: st carries whichever
// POSIX/Windows timestamp and attribute fields the caller wants applied;
// a zero Timespec in a field means "leave unchanged", mirroring WinFsp's
// own FspFileSystemSetBasicInfo contract.
func (d *Dispatcher) SetBasicInfo(ctx context.Context, apiPath string, st cgofuse.Stat_t) *apierror.Error {
	apiPath = apipath.Format(apiPath)
	values := map[string]string{}
	if ns := timespecNs(st.Atim); ns != 0 {
		values[metadata.KeyAccessed] = itoa64(ns)
	}
	if ns := timespecNs(st.Mtim); ns != 0 {
		values[metadata.KeyModified] = itoa64(ns)
	}
	if ns := timespecNs(st.Ctim); ns != 0 {
		values[metadata.KeyChanged] = itoa64(ns)
	}
	if ns := timespecNs(st.Birthtim); ns != 0 {
		values[metadata.KeyCreation] = itoa64(ns)
	}
	if st.Flags != 0 {
		values[metadata.KeyAttribs] = itoa(st.Flags)
	}
	if len(values) == 0 {
		return nil
	}
	return d.provider.SetItemMeta(ctx, apiPath, values)
}

func timespecNs(t cgofuse.Timespec) int64 {
	return t.Sec*int64(time.Second) + t.Nsec
}

// SetFileSize implements winfsp_set_file_size: resize, optionally
// zero-filling the new tail (setAllocationSize semantics delegate to the
// same ChunkCache.Resize as truncate).
func (d *Dispatcher) SetFileSize(ctx context.Context, apiPath string, size int64) *apierror.Error {
	return d.Truncate(ctx, apiPath, size)
}

// Overwrite implements winfsp_overwrite: truncates the file to zero length
// before a create-with-overwrite. Attributes are left unchanged.
func (d *Dispatcher) Overwrite(ctx context.Context, apiPath string) *apierror.Error {
	return d.Truncate(ctx, apiPath, 0)
}

// VolumeInfo is the aggregate winfsp_get_volume_info payload.
type VolumeInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	Label      string
}

// GetVolumeInfo implements winfsp_get_volume_info.
func (d *Dispatcher) GetVolumeInfo(ctx context.Context, label string) (VolumeInfo, *apierror.Error) {
	res, aerr := d.StatFS(ctx)
	if aerr != nil {
		return VolumeInfo{}, aerr
	}
	return VolumeInfo{TotalBytes: res.TotalBytes, FreeBytes: res.FreeBytes, Label: label}, nil
}
