// Package metadata implements MetaMap (spec.md §3): the unordered mapping
// from reserved keys to string values that backs every FilesystemItem's
// extended metadata, plus the reserved-key set that providers and the
// MetaStore must protect.
package metadata

import (
	"encoding/base64"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
)

// Reserved keys, the set META_USED_NAMES from spec.md §3. Removal of any
// of these is PermissionDenied.
const (
	KeyAccessed  = "accessed"
	KeyAttribs   = "attributes"
	KeyBackup    = "backup"
	KeyChanged   = "changed"
	KeyCreation  = "creation"
	KeyDirectory = "directory"
	KeyGID       = "gid"
	KeyKey       = "key"
	KeyModified  = "modified"
	KeyMode      = "mode"
	KeyOsxFlags  = "osx_flags"
	KeyPinned    = "pinned"
	KeySize      = "size"
	KeySource    = "source"
	KeyUID       = "uid"
	KeyWritten   = "written"
)

var reserved = map[string]struct{}{
	KeyAccessed:  {},
	KeyAttribs:   {},
	KeyBackup:    {},
	KeyChanged:   {},
	KeyCreation:  {},
	KeyDirectory: {},
	KeyGID:       {},
	KeyKey:       {},
	KeyModified:  {},
	KeyMode:      {},
	KeyOsxFlags:  {},
	KeyPinned:    {},
	KeySize:      {},
	KeySource:    {},
	KeyUID:       {},
	KeyWritten:   {},
}

// IsReserved reports whether key is one of META_USED_NAMES.
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// Map is a MetaMap: reserved keys carry their literal string value;
// unknown keys are user extended attributes and are stored Base64-encoded
// per spec.md §3.
type Map map[string]string

// New returns an empty Map.
func New() Map {
	return make(Map)
}

// SetExtended stores a user extended-attribute value, Base64-encoding it.
// It refuses to shadow a reserved key.
func (m Map) SetExtended(key string, value []byte) *apierror.Error {
	if IsReserved(key) {
		return apierror.New(apierror.PermissionDenied)
	}
	m[key] = base64.StdEncoding.EncodeToString(value)
	return nil
}

// GetExtended decodes a user extended-attribute value previously set by
// SetExtended.
func (m Map) GetExtended(key string) ([]byte, *apierror.Error) {
	raw, ok := m[key]
	if !ok {
		return nil, apierror.New(apierror.XattrNotFound)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, apierror.New(apierror.XattrOsxInvalid)
	}
	return data, nil
}

// Remove deletes key, refusing to remove a reserved key
// (spec.md §8: "remove_item_meta(p, k) for k ∈ META_USED_NAMES returns
// PermissionDenied and leaves the meta unchanged").
func (m Map) Remove(key string) *apierror.Error {
	if IsReserved(key) {
		return apierror.New(apierror.PermissionDenied)
	}
	delete(m, key)
	return nil
}

// Pinned reports the META_PINNED flag (spec.md §4.8).
func (m Map) Pinned() bool {
	return m[KeyPinned] == "true"
}

// SetPinned sets or clears META_PINNED.
func (m Map) SetPinned(pinned bool) {
	if pinned {
		m[KeyPinned] = "true"
	} else {
		m[KeyPinned] = "false"
	}
}

// Clone returns a shallow copy safe for an unlinked-file snapshot
// (spec.md §4.6 unlinked_meta).
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
