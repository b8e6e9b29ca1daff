// Package uploader implements C7: the write-back scheduler of spec.md
// §4.7. For each OpenFile with modified == true it streams the sparse
// source file back through Provider.UploadFile, retrying transient
// failures with bounded backoff and latching terminal errors onto the
// owning OpenFile.
package uploader

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	"github.com/BlockStorage1/repertory-sub002/internal/openfile"
	"github.com/BlockStorage1/repertory-sub002/internal/pacer"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/sirupsen/logrus"
)

// Uploader schedules and runs background upload jobs.
type Uploader struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	provider provider.Provider
	meta     provider.MetaStore
	pacer    *pacer.Pacer
	sink     events.Sink
	log      *logrus.Entry

	maxAttempts int
}

// New builds an Uploader bound to prov, retrying each job with p and
// raising events on sink. meta, if non-nil, is refreshed with META_SIZE
// and META_SOURCE on every successful upload (spec.md §4.7).
func New(prov provider.Provider, meta provider.MetaStore, p *pacer.Pacer, sink events.Sink, log *logrus.Entry, maxAttempts int) *Uploader {
	if sink == nil {
		sink = events.Nop{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Uploader{
		inflight:    make(map[string]context.CancelFunc),
		provider:    prov,
		meta:        meta,
		pacer:       p,
		sink:        sink,
		log:         log,
		maxAttempts: maxAttempts,
	}
}

// Schedule starts a background upload job for of if it is modified and no
// job is already running for its current api_path (spec.md §4.7: "For
// each OpenFile with modified == true and no remaining dirty writers").
// It is a no-op if of is not modified or a job is already in flight.
func (u *Uploader) Schedule(parent context.Context, of *openfile.OpenFile) {
	if !of.Modified() {
		return
	}

	path := of.ApiPath()
	u.mu.Lock()
	if _, already := u.inflight[path]; already {
		u.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	u.inflight[path] = cancel
	u.mu.Unlock()

	go u.run(ctx, of, path, cancel)
}

func (u *Uploader) run(ctx context.Context, of *openfile.OpenFile, path string, cancel context.CancelFunc) {
	defer func() {
		u.mu.Lock()
		delete(u.inflight, path)
		u.mu.Unlock()
		cancel()
	}()

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		stop := provider.StopFunc(func() bool { return ctx.Err() != nil })
		sourcePath := of.Cache().SourcePath()
		aerr := u.provider.UploadFile(ctx, path, sourcePath, stop)
		if aerr == nil {
			of.Cache().ClearAllDirty()
			of.ClearModified()
			u.refreshMeta(path, of.Cache().FileSize(), sourcePath)
			u.sink.Raise(events.New(time.Now(), "file_uploaded", map[string]any{"api_path": path, "attempt": attempt}))
			return
		}

		if aerr.IsTerminal() {
			of.Fail(aerr)
			u.sink.Raise(events.New(time.Now(), "file_upload_failed", map[string]any{"api_path": path, "code": aerr.Code.String()}))
			return
		}

		u.sink.Raise(events.New(time.Now(), "file_upload_retry", map[string]any{"api_path": path, "attempt": attempt, "code": aerr.Code.String()}))
		u.pacer.Sleep(true)
	}

	of.Fail(apierror.New(apierror.Error))
}

// refreshMeta records META_SIZE and META_SOURCE once an upload succeeds
// (spec.md §4.7: "META_SIZE is refreshed, and META_SOURCE recorded"). It
// is a no-op if no MetaStore was wired in.
func (u *Uploader) refreshMeta(apiPath string, size int64, sourcePath string) {
	if u.meta == nil {
		return
	}
	if err := u.meta.SetSize(apiPath, size); err != nil {
		u.sink.Raise(events.New(time.Now(), "meta_refresh_failed", map[string]any{"api_path": apiPath, "error": err.Error()}))
	}
	if err := u.meta.SetMeta(apiPath, map[string]string{
		metadata.KeySource: sourcePath,
		metadata.KeySize:   strconv.FormatInt(size, 10),
	}); err != nil {
		u.sink.Raise(events.New(time.Now(), "meta_refresh_failed", map[string]any{"api_path": apiPath, "error": err.Error()}))
	}
}

// Cancel signals the stop_type flag for apiPath's in-flight job, if any
// (spec.md §4.7's cancellation points: unmount, OpenFile destruction,
// explicit eviction).
func (u *Uploader) Cancel(apiPath string) {
	u.mu.Lock()
	cancel, ok := u.inflight[apiPath]
	u.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll cancels every in-flight job, used on unmount.
func (u *Uploader) CancelAll() {
	u.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(u.inflight))
	for _, c := range u.inflight {
		cancels = append(cancels, c)
	}
	u.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
