package mountdispatch

import (
	"context"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/apipath"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
)

// AttrX mirrors the original's remote::setattr_x: a sparse attribute
// update where Valid selects which fields below actually apply
// (SPEC_FULL.md §4.11's extended POSIX timestamp supplement).
type AttrX struct {
	Valid uint32

	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Flags uint32

	AccessedNs int64
	ModifiedNs int64
	BackupNs   int64
	ChangedNs  int64
	CreationNs int64
}

// AttrX.Valid bits.
const (
	AttrValidMode uint32 = 1 << iota
	AttrValidUID
	AttrValidGID
	AttrValidSize
	AttrValidFlags
	AttrValidAccessed
	AttrValidModified
	AttrValidBackup
	AttrValidChanged
	AttrValidCreation
)

// SetAttrX implements spec.md §4.10's fuse_setattr_x: applies every field
// AttrX.Valid selects to META_* in one call, then resizes the backing
// cache if the size field was included.
func (d *Dispatcher) SetAttrX(ctx context.Context, apiPath string, attr AttrX) *apierror.Error {
	apiPath = apipath.Format(apiPath)
	values := map[string]string{}

	if attr.Valid&AttrValidMode != 0 {
		values[metadata.KeyMode] = itoa(d.effectiveMode(attr.Mode))
	}
	if attr.Valid&AttrValidUID != 0 {
		values[metadata.KeyUID] = itoa(attr.UID)
	}
	if attr.Valid&AttrValidGID != 0 {
		values[metadata.KeyGID] = itoa(attr.GID)
	}
	if attr.Valid&AttrValidFlags != 0 {
		values[metadata.KeyOsxFlags] = itoa(attr.Flags)
	}
	if attr.Valid&AttrValidAccessed != 0 {
		values[metadata.KeyAccessed] = itoa64(attr.AccessedNs)
	}
	if attr.Valid&AttrValidModified != 0 {
		values[metadata.KeyModified] = itoa64(attr.ModifiedNs)
	}
	if attr.Valid&AttrValidBackup != 0 {
		values[metadata.KeyBackup] = itoa64(attr.BackupNs)
	}
	if attr.Valid&AttrValidChanged != 0 {
		values[metadata.KeyChanged] = itoa64(attr.ChangedNs)
	} else if len(values) > 0 {
		values[metadata.KeyChanged] = itoa64(time.Now().UnixNano())
	}
	if attr.Valid&AttrValidCreation != 0 {
		values[metadata.KeyCreation] = itoa64(attr.CreationNs)
	}

	if len(values) > 0 {
		if aerr := d.provider.SetItemMeta(ctx, apiPath, values); aerr != nil {
			return aerr
		}
	}

	if attr.Valid&AttrValidSize != 0 {
		return d.Truncate(ctx, apiPath, attr.Size)
	}
	return nil
}

// Chmod implements spec.md §4.10's fuse_chmod.
func (d *Dispatcher) Chmod(ctx context.Context, apiPath string, mode uint32) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{Valid: AttrValidMode, Mode: mode})
}

// Chown implements spec.md §4.10's fuse_chown.
func (d *Dispatcher) Chown(ctx context.Context, apiPath string, uid, gid uint32) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{Valid: AttrValidUID | AttrValidGID, UID: uid, GID: gid})
}

// Chflags implements spec.md §4.10's fuse_chflags.
func (d *Dispatcher) Chflags(ctx context.Context, apiPath string, flags uint32) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{Valid: AttrValidFlags, Flags: flags})
}

// Utimens implements spec.md §4.10's fuse_utimens: sets accessed/modified
// together.
func (d *Dispatcher) Utimens(ctx context.Context, apiPath string, accessedNs, modifiedNs int64) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{
		Valid:      AttrValidAccessed | AttrValidModified,
		AccessedNs: accessedNs,
		ModifiedNs: modifiedNs,
	})
}

// SetBkupTime implements spec.md §4.10's setbkuptime (SPEC_FULL.md
// §4.11's extended POSIX timestamp supplement).
func (d *Dispatcher) SetBkupTime(ctx context.Context, apiPath string, ns int64) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{Valid: AttrValidBackup, BackupNs: ns})
}

// SetChgTime implements spec.md §4.10's setchgtime.
func (d *Dispatcher) SetChgTime(ctx context.Context, apiPath string, ns int64) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{Valid: AttrValidChanged, ChangedNs: ns})
}

// SetCrTime implements spec.md §4.10's setcrtime.
func (d *Dispatcher) SetCrTime(ctx context.Context, apiPath string, ns int64) *apierror.Error {
	return d.SetAttrX(ctx, apiPath, AttrX{Valid: AttrValidCreation, CreationNs: ns})
}

// XTimes is the (backup, creation) pair spec.md §4.10's getxtimes reports.
type XTimes struct {
	BackupNs   int64
	CreationNs int64
}

// GetXTimes implements spec.md §4.10's fuse_getxtimes.
func (d *Dispatcher) GetXTimes(ctx context.Context, apiPath string) (XTimes, *apierror.Error) {
	meta, aerr := d.provider.GetItemMeta(ctx, apipath.Format(apiPath))
	if aerr != nil {
		return XTimes{}, aerr
	}
	return XTimes{
		BackupNs:   int64(parseUint64(meta[metadata.KeyBackup])),
		CreationNs: int64(parseUint64(meta[metadata.KeyCreation])),
	}, nil
}

// SetVolName is a stub: the core does not model a mutable volume label,
// and spec.md §1 treats label display as CLI/bridge surface.
func (d *Dispatcher) SetVolName(_ context.Context, _ string) *apierror.Error {
	return nil
}
