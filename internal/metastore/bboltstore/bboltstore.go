// Package bboltstore implements a provider.MetaStore backed by
// go.etcd.io/bbolt, the teacher's own embedded-KV dependency
// (backend/cache/storage_persistent.go), standing in for the
// RocksDB-or-equivalent binding spec.md §1 places out of scope.
//
// Four top-level buckets mirror spec.md §6's four logical tables: meta,
// pinned, size, source — the last maintained as a reverse index from
// META_SOURCE values back to api_path, kept in sync on every write that
// touches that key.
package bboltstore

import (
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/BlockStorage1/repertory-sub002/internal/metadata"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket   = []byte("meta")
	pinnedBucket = []byte("pinned")
	sizeBucket   = []byte("size")
	sourceBucket = []byte("source")
)

// Store is the bbolt-backed provider.MetaStore.
type Store struct {
	db *bolt.DB
}

// Open connects to (creating if absent) the bbolt file at dbPath,
// matching storage_persistent.go's connect()'s
// CreateBucketIfNotExists-on-open idiom.
func Open(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, pinnedBucket, sizeBucket, sourceBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetMeta returns apiPath's stored metadata.Map, or an empty Map if
// nothing has been stored yet.
func (s *Store) GetMeta(apiPath string) (metadata.Map, error) {
	m := metadata.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(apiPath))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetMeta merges values into apiPath's stored Map, maintaining the
// source -> api_path reverse index whenever META_SOURCE is among the
// written keys (spec.md §6).
func (s *Store) SetMeta(apiPath string, values map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metaBucket)

		m := metadata.New()
		if raw := bucket.Get([]byte(apiPath)); raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
		}

		oldSource, hadSource := m[metadata.KeySource]
		for k, v := range values {
			m[k] = v
		}

		encoded, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(apiPath), encoded); err != nil {
			return err
		}

		newSource, touchesSource := values[metadata.KeySource]
		if !touchesSource {
			return nil
		}
		srcBucket := tx.Bucket(sourceBucket)
		if hadSource && oldSource != "" {
			if err := srcBucket.Delete([]byte(oldSource)); err != nil {
				return err
			}
		}
		if newSource != "" {
			return srcBucket.Put([]byte(newSource), []byte(apiPath))
		}
		return nil
	})
}

// RemoveMeta deletes apiPath's stored Map and, if it carried a
// META_SOURCE value, its reverse-index entry.
func (s *Store) RemoveMeta(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		raw := bucket.Get([]byte(apiPath))
		if raw != nil {
			m := metadata.New()
			if err := json.Unmarshal(raw, &m); err == nil {
				if src, ok := m[metadata.KeySource]; ok && src != "" {
					if err := tx.Bucket(sourceBucket).Delete([]byte(src)); err != nil {
						return err
					}
				}
			}
		}
		if err := bucket.Delete([]byte(apiPath)); err != nil {
			return err
		}
		if err := tx.Bucket(pinnedBucket).Delete([]byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket(sizeBucket).Delete([]byte(apiPath))
	})
}

// GetPinned reports apiPath's META_PINNED flag.
func (s *Store) GetPinned(apiPath string) (bool, error) {
	var pinned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(pinnedBucket).Get([]byte(apiPath))
		pinned = raw != nil && raw[0] != 0
		return nil
	})
	return pinned, err
}

// SetPinned sets or clears apiPath's META_PINNED flag.
func (s *Store) SetPinned(apiPath string, pinned bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := byte(0)
		if pinned {
			v = 1
		}
		return tx.Bucket(pinnedBucket).Put([]byte(apiPath), []byte{v})
	})
}

// GetSize returns apiPath's cached META_SIZE.
func (s *Store) GetSize(apiPath string) (int64, error) {
	var size int64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sizeBucket).Get([]byte(apiPath))
		if raw != nil {
			size = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return size, err
}

// SetSize stores apiPath's META_SIZE.
func (s *Store) SetSize(apiPath string, size int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(size))
		return tx.Bucket(sizeBucket).Put([]byte(apiPath), buf[:])
	})
}

// GetApiPathForSource resolves the source -> api_path reverse index
// maintained by SetMeta/RemoveMeta.
func (s *Store) GetApiPathForSource(sourcePath string) (string, error) {
	var apiPath string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sourceBucket).Get([]byte(sourcePath))
		if raw != nil {
			apiPath = string(raw)
		}
		return nil
	})
	return apiPath, err
}

// EnsureDataDir creates dataDir if it does not already exist, mirroring
// storage_persistent.go's connect() making its chunk directory before
// opening the bolt file.
func EnsureDataDir(dataDir string) error {
	return os.MkdirAll(dataDir, 0o755)
}
