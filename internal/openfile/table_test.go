package openfile

import (
	"context"
	"testing"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/chunkcache"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	provider.Provider
	files     map[string]provider.DirectoryItem
	readOnly  bool
	removed   []string
	renamed   [][2]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{files: make(map[string]provider.DirectoryItem)}
}

func (f *fakeProvider) IsReadOnly() bool { return f.readOnly }

func (f *fakeProvider) GetFile(ctx context.Context, apiPath string) (provider.DirectoryItem, *apierror.Error) {
	item, ok := f.files[apiPath]
	if !ok {
		return provider.DirectoryItem{}, apierror.New(apierror.ItemNotFound)
	}
	return item, nil
}

func (f *fakeProvider) CreateFile(ctx context.Context, apiPath string, meta metadata.Map) *apierror.Error {
	f.files[apiPath] = provider.DirectoryItem{ApiPath: apiPath}
	return nil
}

func (f *fakeProvider) RemoveFile(ctx context.Context, apiPath string) *apierror.Error {
	delete(f.files, apiPath)
	f.removed = append(f.removed, apiPath)
	return nil
}

func (f *fakeProvider) RenameFile(ctx context.Context, from, to string) *apierror.Error {
	item := f.files[from]
	item.ApiPath = to
	f.files[to] = item
	delete(f.files, from)
	f.renamed = append(f.renamed, [2]string{from, to})
	return nil
}

func (f *fakeProvider) RenameDirectory(ctx context.Context, from, to string) *apierror.Error {
	return f.RenameFile(ctx, from, to)
}

func (f *fakeProvider) GetItemMeta(ctx context.Context, apiPath string) (metadata.Map, *apierror.Error) {
	return metadata.New(), nil
}

type fakeMetaStore struct{}

func (fakeMetaStore) GetMeta(apiPath string) (metadata.Map, error)         { return metadata.New(), nil }
func (fakeMetaStore) SetMeta(apiPath string, values map[string]string) error { return nil }
func (fakeMetaStore) RemoveMeta(apiPath string) error                      { return nil }
func (fakeMetaStore) GetPinned(apiPath string) (bool, error)                { return false, nil }
func (fakeMetaStore) SetPinned(apiPath string, pinned bool) error           { return nil }
func (fakeMetaStore) GetSize(apiPath string) (int64, error)                 { return 0, nil }
func (fakeMetaStore) SetSize(apiPath string, size int64) error              { return nil }
func (fakeMetaStore) GetApiPathForSource(sourcePath string) (string, error) { return "", nil }
func (fakeMetaStore) Close() error                                         { return nil }

func newTestTable(t *testing.T, prov *fakeProvider) *Table {
	t.Helper()
	cfg := config.Mount{CacheDir: t.TempDir(), ChunkSize: 4096}
	return New(prov, fakeMetaStore{}, cfg, events.Nop{}, nil)
}

func TestCreateThenOpenReusesEntry(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	h1, of1, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)

	h2, of2, err := table.Open(context.Background(), "/a.txt", chunkcache.ReadOnly)
	require.Nil(t, err)

	assert.Same(t, of1, of2)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, of1.HandleCount())
}

func TestCreateExclRefusesExistingFile(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	_, _, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)

	_, _, err = table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite|chunkcache.Excl)
	require.NotNil(t, err)
	assert.Equal(t, apierror.ItemExists, err.Code)
}

func TestOpenWritableOnReadOnlyProviderDenied(t *testing.T) {
	prov := newFakeProvider()
	prov.readOnly = true
	prov.files["/a.txt"] = provider.DirectoryItem{ApiPath: "/a.txt"}
	table := newTestTable(t, prov)

	_, _, err := table.Open(context.Background(), "/a.txt", chunkcache.ReadWrite)
	require.NotNil(t, err)
	assert.Equal(t, apierror.PermissionDenied, err.Code)
}

func TestCloseDropsHandleButKeepsEntry(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	h, of, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)

	require.Nil(t, table.Close(context.Background(), h))
	assert.Equal(t, 0, of.HandleCount())
	assert.Equal(t, 1, table.OpenFileCount())
}

func TestRenameFileUpdatesLiveEntry(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	_, of, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)

	require.Nil(t, table.RenameFile(context.Background(), "/a.txt", "/b.txt", false))
	assert.Equal(t, "/b.txt", of.ApiPath())

	_, ok := table.Get("/a.txt")
	assert.False(t, ok)
	found, ok := table.Get("/b.txt")
	assert.True(t, ok)
	assert.Same(t, of, found)
}

func TestRenameFileRefusesExistingWithoutOverwrite(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	_, _, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)
	_, _, err = table.Create(context.Background(), "/b.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)

	err = table.RenameFile(context.Background(), "/a.txt", "/b.txt", false)
	require.NotNil(t, err)
	assert.Equal(t, apierror.ItemExists, err.Code)
}

func TestUnlinkWhileOpenDefersDeleteUntilLastClose(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	h, of, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)

	require.Nil(t, table.Unlink(context.Background(), "/a.txt"))
	unlinked, _ := of.Unlinked()
	assert.True(t, unlinked)
	assert.Empty(t, prov.removed, "provider delete must be deferred while a handle is open")

	require.Nil(t, table.Close(context.Background(), h))
	assert.Equal(t, []string{"/a.txt"}, prov.removed)
	assert.Equal(t, 0, table.OpenFileCount())
}

func TestReaperRemovesClosableEntries(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	h, of, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)
	require.Nil(t, table.Close(context.Background(), h))
	assert.False(t, of.Modified())

	reaped := table.Reap(time.Now(), time.Hour)
	assert.Equal(t, []string{"/a.txt"}, reaped)
	assert.Equal(t, 0, table.OpenFileCount())
}

func TestReaperSkipsModifiedEntries(t *testing.T) {
	prov := newFakeProvider()
	table := newTestTable(t, prov)

	h, of, err := table.Create(context.Background(), "/a.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)
	_, werr := of.Cache().Write(context.Background(), chunkcache.ReadWrite, 0, []byte{1})
	require.Nil(t, werr)
	of.MarkModified()
	require.Nil(t, table.Close(context.Background(), h))

	reaped := table.Reap(time.Now(), time.Hour)
	assert.Empty(t, reaped)
	assert.Equal(t, 1, table.OpenFileCount())
}
