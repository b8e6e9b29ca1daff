package uploader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/chunkcache"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	"github.com/BlockStorage1/repertory-sub002/internal/openfile"
	"github.com/BlockStorage1/repertory-sub002/internal/pacer"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	provider.Provider
	uploadCalls int32
	failUntil   int32
	terminal    *apierror.Error
}

func (s *stubProvider) IsReadOnly() bool { return false }

func (s *stubProvider) GetFile(ctx context.Context, apiPath string) (provider.DirectoryItem, *apierror.Error) {
	return provider.DirectoryItem{ApiPath: apiPath}, apierror.New(apierror.ItemNotFound)
}

func (s *stubProvider) CreateFile(ctx context.Context, apiPath string, meta metadata.Map) *apierror.Error {
	return nil
}

func (s *stubProvider) UploadFile(ctx context.Context, apiPath, sourcePath string, stop provider.StopSignal) *apierror.Error {
	n := atomic.AddInt32(&s.uploadCalls, 1)
	if s.terminal != nil {
		return s.terminal
	}
	if n <= s.failUntil {
		return apierror.New(apierror.OsError)
	}
	return nil
}

type fakeMetaStore struct {
	mu     sync.Mutex
	values map[string]map[string]string
	sizes  map[string]int64
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{values: make(map[string]map[string]string), sizes: make(map[string]int64)}
}

func (f *fakeMetaStore) GetMeta(apiPath string) (metadata.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := metadata.New()
	for k, v := range f.values[apiPath] {
		m[k] = v
	}
	return m, nil
}

func (f *fakeMetaStore) SetMeta(apiPath string, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.values[apiPath]
	if !ok {
		m = make(map[string]string)
		f.values[apiPath] = m
	}
	for k, v := range values {
		m[k] = v
	}
	return nil
}

func (f *fakeMetaStore) RemoveMeta(apiPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, apiPath)
	return nil
}

func (f *fakeMetaStore) GetPinned(apiPath string) (bool, error) { return false, nil }
func (f *fakeMetaStore) SetPinned(apiPath string, pinned bool) error { return nil }

func (f *fakeMetaStore) GetSize(apiPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[apiPath], nil
}

func (f *fakeMetaStore) SetSize(apiPath string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes[apiPath] = size
	return nil
}

func (f *fakeMetaStore) GetApiPathForSource(sourcePath string) (string, error) { return "", nil }
func (f *fakeMetaStore) Close() error                                         { return nil }

func newTestOpenFile(t *testing.T, prov provider.Provider, meta provider.MetaStore) *openfile.OpenFile {
	t.Helper()
	cfg := config.Mount{CacheDir: t.TempDir(), ChunkSize: 4096}
	table := openfile.New(prov, meta, cfg, events.Nop{}, nil)
	_, of, err := table.Create(context.Background(), "/f.txt", metadata.New(), chunkcache.ReadWrite)
	require.Nil(t, err)
	_, werr := of.Cache().Write(context.Background(), chunkcache.ReadWrite, 0, []byte("hello"))
	require.Nil(t, werr)
	of.MarkModified()
	return of
}

func TestScheduleUploadsAndClearsModified(t *testing.T) {
	sp := &stubProvider{}
	of := newTestOpenFile(t, sp, newFakeMetaStore())
	u := New(sp, newFakeMetaStore(), pacer.New(3, nil), events.Nop{}, nil, 3)

	u.Schedule(context.Background(), of)
	waitFor(t, func() bool { return !of.Modified() })
	assert.EqualValues(t, 1, sp.uploadCalls)
	assert.Equal(t, 0, of.Cache().DirtyCount())
}

func TestScheduleIsNoOpWhenNotModified(t *testing.T) {
	sp := &stubProvider{}
	of := newTestOpenFile(t, sp, newFakeMetaStore())
	of.ClearModified()
	u := New(sp, newFakeMetaStore(), pacer.New(3, nil), events.Nop{}, nil, 3)

	u.Schedule(context.Background(), of)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, sp.uploadCalls)
}

func TestRetriesTransientErrorsThenSucceeds(t *testing.T) {
	sp := &stubProvider{failUntil: 2}
	of := newTestOpenFile(t, sp, newFakeMetaStore())
	u := New(sp, newFakeMetaStore(), pacer.New(5, pacerFastCalc()), events.Nop{}, nil, 5)

	u.Schedule(context.Background(), of)
	waitFor(t, func() bool { return !of.Modified() })
	assert.EqualValues(t, 3, sp.uploadCalls)
}

func TestTerminalErrorLatchesOpenFileState(t *testing.T) {
	sp := &stubProvider{terminal: apierror.New(apierror.PermissionDenied)}
	of := newTestOpenFile(t, sp, newFakeMetaStore())
	u := New(sp, newFakeMetaStore(), pacer.New(3, nil), events.Nop{}, nil, 3)

	u.Schedule(context.Background(), of)
	waitFor(t, func() bool {
		state, _ := of.State()
		return state == openfile.StateError
	})

	state, aerr := of.State()
	assert.Equal(t, openfile.StateError, state)
	require.NotNil(t, aerr)
	assert.Equal(t, apierror.PermissionDenied, aerr.Code)
	assert.True(t, of.Modified(), "modified stays true once upload failed terminally")
}

func TestConcurrentScheduleCallsCoalesce(t *testing.T) {
	sp := &stubProvider{}
	of := newTestOpenFile(t, sp, newFakeMetaStore())
	u := New(sp, newFakeMetaStore(), pacer.New(3, nil), events.Nop{}, nil, 3)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Schedule(context.Background(), of)
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return !of.Modified() })
	assert.EqualValues(t, 1, sp.uploadCalls)
}

func TestSuccessfulUploadRefreshesSizeAndSourceMeta(t *testing.T) {
	sp := &stubProvider{}
	meta := newFakeMetaStore()
	of := newTestOpenFile(t, sp, meta)
	u := New(sp, meta, pacer.New(3, nil), events.Nop{}, nil, 3)

	u.Schedule(context.Background(), of)
	waitFor(t, func() bool { return !of.Modified() })

	size, err := meta.GetSize("/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	m, err := meta.GetMeta("/f.txt")
	require.NoError(t, err)
	assert.Equal(t, of.Cache().SourcePath(), m[metadata.KeySource])
	assert.Equal(t, "5", m[metadata.KeySize])
}

func pacerFastCalc() *pacer.Default {
	return pacer.NewDefault(pacer.MinSleep(time.Microsecond), pacer.MaxSleep(time.Millisecond))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
