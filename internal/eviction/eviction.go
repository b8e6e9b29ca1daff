// Package eviction implements C8: the two-level background eviction
// sweep of spec.md §4.8 — chunk-level LRU reclamation under a soft byte
// budget, and file-level removal of cold, clean, unpinned entries.
package eviction

import (
	"sort"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/openfile"
	"github.com/sirupsen/logrus"
)

// Engine runs the chunk- and file-level sweeps against a Table.
type Engine struct {
	table      *openfile.Table
	softBudget int64
	sink       events.Sink
	log        *logrus.Entry
}

// New builds an Engine enforcing softBudget aggregate resident bytes
// across every OpenFile in table.
func New(table *openfile.Table, softBudget int64, sink events.Sink, log *logrus.Entry) *Engine {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Engine{table: table, softBudget: softBudget, sink: sink, log: log}
}

// SweepChunks implements spec.md §4.8's chunk-level walk: evict clean,
// non-pinned, non-in-flight chunks least-recently-used first until the
// aggregate resident byte count across every OpenFile is at or below the
// soft budget. Returns the number of chunks evicted.
func (e *Engine) SweepChunks() int {
	evicted := 0
	for e.residentBytes() > e.softBudget {
		progressed := false
		for _, of := range e.table.Entries() {
			if of.Pinned() {
				continue
			}
			idx, ok := of.Cache().LRUFront()
			if !ok {
				continue
			}
			if of.Cache().EvictChunk(idx) {
				evicted++
				progressed = true
				e.sink.Raise(events.New(time.Now(), "chunk_evicted", map[string]any{
					"api_path": of.ApiPath(), "chunk": idx,
				}))
			}
			if e.residentBytes() <= e.softBudget {
				break
			}
		}
		if !progressed {
			break // nothing left that's eligible; budget may remain exceeded by pinned/dirty data
		}
	}
	return evicted
}

func (e *Engine) residentBytes() int64 {
	var total int64
	for _, of := range e.table.Entries() {
		total += of.Cache().ResidentBytes()
	}
	return total
}

// SweepFiles implements spec.md §4.8's file-level walk: entries with no
// open handles, not modified, and not pinned are dropped entirely
// (source file removed, table entry deleted), oldest last_access first.
// Returns the api_paths removed.
func (e *Engine) SweepFiles(now time.Time) []string {
	entries := e.table.Entries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess().Before(entries[j].LastAccess())
	})

	var removed []string
	for _, of := range entries {
		if of.Pinned() || of.Modified() || of.HandleCount() > 0 {
			continue
		}
		path := of.ApiPath()
		if err := e.table.Evict(of); err != nil {
			if e.log != nil {
				e.log.WithError(err).WithField("api_path", path).Warn("file-level eviction failed to remove source file")
			}
			continue
		}
		removed = append(removed, path)
		e.sink.Raise(events.New(now, "file_evicted", map[string]any{"api_path": path}))
	}
	return removed
}
