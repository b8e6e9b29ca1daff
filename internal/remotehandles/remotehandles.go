// Package remotehandles implements C4: the process-wide remote
// open-handle table of spec.md §3 and §4.4, indexed both by native OS
// handle and by path, bucketed per client so a disconnect can atomically
// drain everything that client opened.
package remotehandles

import "sync"

// Info is one RemoteOpenInfo entry (spec.md §3).
type Info struct {
	ClientID          string
	NativeHandle      uint64
	ApiPath           string
	DirectoryIterators []uint64
	CompatHandle      uint64 // remote_file_handle used by set_compat_client_id

	directoryBuffer any // Windows-only opaque directory buffer (spec.md §4.4)
}

// Table is the C4 registry.
type Table struct {
	mu sync.Mutex

	byHandle map[uint64]*Info
	byPath   map[string]map[uint64]struct{} // path -> set of native handles
	byClient map[string]map[uint64]struct{} // client_id -> set of native handles
}

// New builds an empty Table.
func New() *Table {
	return &Table{
		byHandle: make(map[uint64]*Info),
		byPath:   make(map[string]map[uint64]struct{}),
		byClient: make(map[string]map[uint64]struct{}),
	}
}

// AddDirectory registers handle as an open directory for client at path,
// indexed both by native handle and by path (spec.md §4.4).
func (t *Table) AddDirectory(client string, handle uint64, apiPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(&Info{ClientID: client, NativeHandle: handle, ApiPath: apiPath})
}

func (t *Table) insertLocked(info *Info) {
	t.byHandle[info.NativeHandle] = info

	if t.byPath[info.ApiPath] == nil {
		t.byPath[info.ApiPath] = make(map[uint64]struct{})
	}
	t.byPath[info.ApiPath][info.NativeHandle] = struct{}{}

	if t.byClient[info.ClientID] == nil {
		t.byClient[info.ClientID] = make(map[uint64]struct{})
	}
	t.byClient[info.ClientID][info.NativeHandle] = struct{}{}
}

// RemoveDirectory removes handle's directory registration.
func (t *Table) RemoveDirectory(handle uint64) {
	t.RemoveOpenInfo(handle)
}

// HasOpenDirectory reports whether client currently has handle open.
func (t *Table) HasOpenDirectory(client string, handle uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byHandle[handle]
	return ok && info.ClientID == client
}

// SetClientID rebinds handle's owning client, used when a handle created
// under one client connection is reattached to another (spec.md §4.4).
func (t *Table) SetClientID(handle uint64, client string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byHandle[handle]
	if !ok {
		return
	}
	if set := t.byClient[info.ClientID]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(t.byClient, info.ClientID)
		}
	}
	info.ClientID = client
	if t.byClient[client] == nil {
		t.byClient[client] = make(map[uint64]struct{})
	}
	t.byClient[client][handle] = struct{}{}
}

// SetCompatClientID records remoteFileHandle's compatibility alias,
// mirroring the original's set_compat_client_id handling of legacy
// 32-bit remote file handles.
func (t *Table) SetCompatClientID(remoteFileHandle uint64, client string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byHandle[remoteFileHandle]
	if !ok {
		return
	}
	info.CompatHandle = remoteFileHandle
	if set := t.byClient[info.ClientID]; set != nil {
		delete(set, remoteFileHandle)
		if len(set) == 0 {
			delete(t.byClient, info.ClientID)
		}
	}
	info.ClientID = client
	if t.byClient[client] == nil {
		t.byClient[client] = make(map[uint64]struct{})
	}
	t.byClient[client][remoteFileHandle] = struct{}{}
}

// RemoveOpenInfo deletes handle from every index.
func (t *Table) RemoveOpenInfo(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(handle)
}

func (t *Table) removeLocked(handle uint64) {
	info, ok := t.byHandle[handle]
	if !ok {
		return
	}
	delete(t.byHandle, handle)
	if set := t.byPath[info.ApiPath]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(t.byPath, info.ApiPath)
		}
	}
	if set := t.byClient[info.ClientID]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(t.byClient, info.ClientID)
		}
	}
}

// RemoveAll closes every entry registered under apiPath, used on
// unlink/rename-away (spec.md §4.4).
func (t *Table) RemoveAll(apiPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byPath[apiPath]
	handles := make([]uint64, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	for _, h := range handles {
		t.removeLocked(h)
	}
}

// CloseAll atomically drains every entry belonging to client, returning
// the native handles removed so the caller can close the underlying OS
// handles (spec.md §4.4's invariant: "atomically with respect to future
// add_* from that client, drain the client's buckets").
func (t *Table) CloseAll(client string) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byClient[client]
	handles := make([]uint64, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	for _, h := range handles {
		t.removeLocked(h)
	}
	return handles
}

// AddDirectoryIterator records iterHandle as one of handle's open
// directory iterators (spec.md §3's RemoteOpenInfo.directory_iterators).
func (t *Table) AddDirectoryIterator(handle, iterHandle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.byHandle[handle]; ok {
		info.DirectoryIterators = append(info.DirectoryIterators, iterHandle)
	}
}

// RemoveDirectoryIterator drops iterHandle from handle's iterator list.
func (t *Table) RemoveDirectoryIterator(handle, iterHandle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byHandle[handle]
	if !ok {
		return
	}
	for i, h := range info.DirectoryIterators {
		if h == iterHandle {
			info.DirectoryIterators = append(info.DirectoryIterators[:i], info.DirectoryIterators[i+1:]...)
			break
		}
	}
}

// GetOpenFileCount returns how many entries are registered under apiPath.
func (t *Table) GetOpenFileCount(apiPath string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPath[apiPath])
}

// GetDirectoryBuffer returns the Windows-only opaque directory buffer
// associated with handle, if any (spec.md §4.4, Windows-only operation).
func (t *Table) GetDirectoryBuffer(handle uint64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byHandle[handle]
	if !ok || info.directoryBuffer == nil {
		return nil, false
	}
	return info.directoryBuffer, true
}

// SetDirectoryBuffer stores buf as handle's Windows directory buffer.
func (t *Table) SetDirectoryBuffer(handle uint64, buf any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.byHandle[handle]; ok {
		info.directoryBuffer = buf
	}
}
