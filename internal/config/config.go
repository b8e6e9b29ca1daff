// Package config holds the read-only CLI/environment surface the core
// consumes (spec.md §6). Loading, saving, and validating these values
// against a config file is the out-of-scope CLI/config-file collaborator;
// the core only ever reads a fully-populated Mount struct.
package config

import "time"

// RemoteMount carries the settings for the remote-drive RPC (spec.md §6).
type RemoteMount struct {
	Host             string
	Port             uint16
	EncryptionToken  string
	MaxConnections   uint8
	ConnTimeout      time.Duration
	SendTimeout      time.Duration
	RecvTimeout      time.Duration
	ClientPoolSize   int
}

// Mount is the full read-only configuration surface of the core.
type Mount struct {
	CacheDir        string
	SoftCacheBudget uint64
	ChunkSize       uint32
	ChunkTimeout    time.Duration

	Remote *RemoteMount // nil for a local (non-remote) mount

	ForcedUID   *uint32
	ForcedGID   *uint32
	ForcedUmask *uint32
}

// DefaultChunkSize satisfies spec.md §3's floor ("power of two, fixed at
// mount init, ≥ 4096"); the teacher's cache backend defaults to a much
// larger 5MiB chunk, which this module keeps as its own default.
const DefaultChunkSize = 5 * 1024 * 1024

// DefaultChunkTimeout is the reaper cadence/idle threshold (spec.md §4.6).
const DefaultChunkTimeout = 30 * time.Second

// ValidChunkSize reports whether size satisfies spec.md §3's ChunkCache
// invariant: "power of two, fixed at mount init, >= 4096".
func ValidChunkSize(size uint32) bool {
	return size >= 4096 && size&(size-1) == 0
}
