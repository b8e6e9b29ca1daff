package openfile

import (
	"context"
	"time"
)

// Reap runs one pass of spec.md §4.6's reaper: every entry satisfying
// is_closable is removed (its cache closed, not deleted — eviction, not
// the reaper, deletes source files). Returns the api_paths reaped.
func (t *Table) Reap(now time.Time, chunkTimeout time.Duration) []string {
	var reaped []string
	for _, of := range t.Entries() {
		if !of.isClosable(now, chunkTimeout) {
			continue
		}
		_ = of.cache.Close()
		t.remove(of)
		reaped = append(reaped, of.ApiPath())
	}
	return reaped
}

// RunReaper runs Reap on a chunkTimeout-cadence ticker until ctx is
// canceled, matching spec.md §4.6: "Runs at chunk_timeout cadence."
func (t *Table) RunReaper(ctx context.Context, chunkTimeout time.Duration) {
	ticker := time.NewTicker(chunkTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reaped := t.Reap(now, chunkTimeout)
			if len(reaped) > 0 && t.log != nil {
				t.log.WithField("count", len(reaped)).Debug("reaper removed closable open-file entries")
			}
		}
	}
}
