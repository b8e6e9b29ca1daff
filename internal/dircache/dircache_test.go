package dircache

import (
	"encoding/json"
	"testing"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleItems(n int) []provider.DirectoryItem {
	items := make([]provider.DirectoryItem, n)
	for i := range items {
		items[i] = provider.DirectoryItem{ApiPath: "/d/f", ApiParent: "/d", Size: int64(i)}
	}
	return items
}

func TestOpenDirThenReadDirWalksEntries(t *testing.T) {
	c := New()
	h := c.OpenDir("/d", sampleItems(3), "")

	e0, ok, err := c.ReadDir(h, 0)
	require.Nil(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, e0.Size)

	e2, ok, err := c.ReadDir(h, 2)
	require.Nil(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, e2.Size)

	_, ok, err = c.ReadDir(h, 99)
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestReadDirUnknownHandleIsBadFileDescriptor(t *testing.T) {
	c := New()
	_, _, err := c.ReadDir(999, 0)
	require.NotNil(t, err)
	assert.Equal(t, apierror.BadFileDescriptor, err.Code)
}

func TestReadDirPageRespectsPageSizeAndJSONEncodes(t *testing.T) {
	c := New()
	h := c.OpenDir("/d", sampleItems(PageSize+10), "client-1")

	raw, err := c.ReadDirPage(h, 0)
	require.Nil(t, err)

	var page []Entry
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Len(t, page, PageSize)

	raw, err = c.ReadDirPage(h, PageSize)
	require.Nil(t, err)
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Len(t, page, 10)
}

func TestReleaseDirRemovesSnapshot(t *testing.T) {
	c := New()
	h := c.OpenDir("/d", sampleItems(1), "")
	require.Nil(t, c.ReleaseDir(h))

	_, _, err := c.ReadDir(h, 0)
	require.NotNil(t, err)
	assert.Equal(t, apierror.BadFileDescriptor, err.Code)

	err = c.ReleaseDir(h)
	require.NotNil(t, err)
	assert.Equal(t, apierror.BadFileDescriptor, err.Code)
}

func TestReleaseAllForClientOnlyAffectsThatClient(t *testing.T) {
	c := New()
	h1 := c.OpenDir("/d1", sampleItems(1), "client-1")
	h2 := c.OpenDir("/d2", sampleItems(1), "client-2")

	released := c.ReleaseAllForClient("client-1")
	assert.Equal(t, []uint64{h1}, released)

	_, _, err := c.ReadDir(h1, 0)
	require.NotNil(t, err)

	_, ok, err := c.ReadDir(h2, 0)
	require.Nil(t, err)
	assert.True(t, ok)
}

func TestMonotonicHandles(t *testing.T) {
	c := New()
	h1 := c.OpenDir("/d", sampleItems(1), "")
	h2 := c.OpenDir("/d", sampleItems(1), "")
	assert.NotEqual(t, h1, h2)
}
