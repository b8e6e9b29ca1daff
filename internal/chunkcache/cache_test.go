package chunkcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider serves reads out of an in-memory byte slice standing in
// for remote content, and counts calls per offset so coalescing can be
// asserted.
type fakeProvider struct {
	provider.Provider
	data  []byte
	calls int
}

func (f *fakeProvider) IsReadOnly() bool { return false }

func (f *fakeProvider) ReadFileBytes(ctx context.Context, apiPath string, size int64, offset int64, buf []byte, stop provider.StopSignal) (int, *apierror.Error) {
	f.calls++
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	end := offset + size
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	n := copy(buf, f.data[offset:end])
	return n, nil
}

var _ provider.Provider = (*fakeProvider)(nil)

func newTestCache(t *testing.T, data []byte, chunkSize uint32) (*Cache, *fakeProvider) {
	t.Helper()
	dir := t.TempDir()
	fp := &fakeProvider{data: data}
	c, err := New(filepath.Join(dir, "source"), "/test/file", int64(len(data)), chunkSize, fp, nil)
	require.Nil(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, fp
}

func TestTailChunkSizing(t *testing.T) {
	data := make([]byte, 10)
	c, _ := newTestCache(t, data, 4)
	assert.Equal(t, 3, c.TotalChunks())
	assert.EqualValues(t, 2, c.lastChunkSize)
}

func TestFileSmallerThanOneChunk(t *testing.T) {
	data := make([]byte, 3)
	c, _ := newTestCache(t, data, 16)
	assert.Equal(t, 1, c.TotalChunks())
	assert.EqualValues(t, 3, c.lastChunkSize)
}

func TestCrossChunkSmallRead(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	c, fp := newTestCache(t, data, 4)

	got, err := c.Read(context.Background(), 4, 3) // spans chunk 0 and chunk 1
	require.Nil(t, err)
	assert.Equal(t, data[3:7], got)
	assert.Equal(t, 2, fp.calls)
}

func TestReverseOrderChunkReads(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	c, fp := newTestCache(t, data, 4)

	got, err := c.Read(context.Background(), 4, 12)
	require.Nil(t, err)
	assert.Equal(t, data[12:16], got)

	got, err = c.Read(context.Background(), 4, 0)
	require.Nil(t, err)
	assert.Equal(t, data[0:4], got)

	assert.Equal(t, 2, fp.calls)
}

func TestRandomSeekReconstruction(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i * 7)
	}
	c, _ := newTestCache(t, data, 9)

	offsets := []int64{50, 3, 90, 10, 0, 99}
	for _, off := range offsets {
		got, err := c.Read(context.Background(), 5, off)
		require.Nil(t, err)
		end := off + 5
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		assert.Equal(t, data[off:end], got)
	}
}

func TestReadClampsAtEOF(t *testing.T) {
	data := make([]byte, 10)
	c, _ := newTestCache(t, data, 4)

	got, err := c.Read(context.Background(), 100, 8)
	require.Nil(t, err)
	assert.Len(t, got, 2)

	got, err = c.Read(context.Background(), 10, 10)
	require.Nil(t, err)
	assert.Len(t, got, 0)
}

func TestConcurrentReadsOfSameChunkCoalesce(t *testing.T) {
	data := make([]byte, 64)
	c, fp := newTestCache(t, data, 64)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_, err := c.Read(context.Background(), 8, 0)
			assert.Nil(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 1, fp.calls)
}

func TestWriteMarksDirtyAndRemovesFromLRU(t *testing.T) {
	data := make([]byte, 8)
	c, _ := newTestCache(t, data, 4)

	_, err := c.Read(context.Background(), 4, 0)
	require.Nil(t, err)
	_, ok := c.LRUFront()
	assert.True(t, ok)

	n, err := c.Write(context.Background(), ReadWrite, 0, []byte{9, 9, 9, 9})
	require.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, c.DirtyCount())

	_, ok = c.LRUFront()
	assert.False(t, ok, "dirty chunk must not be on the clean LRU")
}

func TestReadOfDirtyChunkDoesNotReenterLRU(t *testing.T) {
	data := make([]byte, 8)
	c, _ := newTestCache(t, data, 4)

	_, err := c.Write(context.Background(), ReadWrite, 0, []byte{9, 9, 9, 9})
	require.Nil(t, err)
	assert.Equal(t, 1, c.DirtyCount())
	_, ok := c.LRUFront()
	assert.False(t, ok, "dirty chunk must not be on the LRU after write")

	_, err = c.Read(context.Background(), 4, 0)
	require.Nil(t, err)

	_, ok = c.LRUFront()
	assert.False(t, ok, "reading a dirty chunk must not reinsert it onto the LRU")
}

func TestWriteRejectsReadOnlyHandle(t *testing.T) {
	data := make([]byte, 8)
	c, _ := newTestCache(t, data, 4)

	_, err := c.Write(context.Background(), ReadOnly, 0, []byte{1})
	require.NotNil(t, err)
	assert.Equal(t, apierror.InvalidHandle, err.Code)
}

func TestWriteExtendsFileAndChunkCount(t *testing.T) {
	data := make([]byte, 4)
	c, _ := newTestCache(t, data, 4)

	_, err := c.Write(context.Background(), ReadWrite, 4, []byte{1, 2, 3})
	require.Nil(t, err)
	assert.EqualValues(t, 7, c.FileSize())
	assert.Equal(t, 2, c.TotalChunks())
}

func TestAppendWritesAtCurrentEnd(t *testing.T) {
	data := make([]byte, 4)
	c, _ := newTestCache(t, data, 8)

	_, err := c.Write(context.Background(), ReadWrite|Append, 0, []byte{1, 2})
	require.Nil(t, err)
	got, err := c.Read(context.Background(), 2, 4)
	require.Nil(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestResizeShrinksAndClearsBits(t *testing.T) {
	data := make([]byte, 16)
	c, _ := newTestCache(t, data, 4)

	_, err := c.Read(context.Background(), 16, 0)
	require.Nil(t, err)
	assert.Equal(t, 4, c.TotalChunks())

	require.Nil(t, c.Resize(5))
	assert.Equal(t, 2, c.TotalChunks())
	assert.EqualValues(t, 1, c.lastChunkSize)

	info, err2 := os.Stat(c.SourcePath())
	require.NoError(t, err2)
	assert.EqualValues(t, 5, info.Size())
}

func TestEvictChunkRefusesDirtyAndPinned(t *testing.T) {
	data := make([]byte, 8)
	c, _ := newTestCache(t, data, 4)

	_, err := c.Write(context.Background(), ReadWrite, 0, []byte{1, 2, 3, 4})
	require.Nil(t, err)
	assert.False(t, c.EvictChunk(0), "dirty chunk must not evict")

	c.ClearDirty(0)
	c.SetPinned(true)
	assert.False(t, c.EvictChunk(0), "pinned cache must not evict")

	c.SetPinned(false)
	assert.True(t, c.EvictChunk(0))
}

func TestIsCompleteReflectsResidency(t *testing.T) {
	data := make([]byte, 8)
	c, _ := newTestCache(t, data, 4)
	assert.False(t, c.IsComplete())

	_, err := c.Read(context.Background(), 8, 0)
	require.Nil(t, err)
	assert.True(t, c.IsComplete())
}
