// Package kv is the per-partition ordered byte-key/byte-value engine
// (spec §4.A). It wraps a RocksDB handle the way the teacher's
// consumer/context.go and consumer/store-rocksdb package wrap one:
// exclusive open per directory, a WriteOptions tuned for durability,
// and a Checkpoint-based consistent snapshot export.
package kv

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	rocks "github.com/tecbot/gorocksdb"

	"github.com/PostHog/posthog-sub013/internal/errs"
)

// Store is an exclusively-owned RocksDB-backed ordered map.
type Store struct {
	dir string

	opts *rocks.Options
	wo   *rocks.WriteOptions
	ro   *rocks.ReadOptions
	db   *rocks.DB

	lock *flock.Flock

	closeOnce sync.Once
}

// Open opens (or creates) the Store rooted at dir, taking an exclusive
// lock on the directory. Open fails if another process already holds
// the lock, mirroring the teacher's "Opens are exclusive" requirement.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.Fatal, errors.Wrap(err, "creating state directory"))
	}

	var lock, err = acquireExclusiveLock(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, errs.New(errs.Fatal, errors.Wrap(err, "acquiring exclusive store lock"))
	}

	var opts = rocks.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(false)

	var wo = rocks.NewDefaultWriteOptions()
	wo.SetSync(true) // Durable before the originating message is acked (spec §4.B).

	var ro = rocks.NewDefaultReadOptions()

	db, err := rocks.OpenDb(opts, dir)
	if err != nil {
		_ = lock.Unlock()
		return nil, errs.New(errs.Corruption, errors.Wrap(err, "opening RocksDB handle"))
	}

	return &Store{dir: dir, opts: opts, wo: wo, ro: ro, db: db, lock: lock}, nil
}

// Dir returns the directory the Store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Get returns the value stored at key, and ok=false if absent.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	var slice *rocks.Slice
	if slice, err = s.db.Get(s.ro, key); err != nil {
		return nil, false, errs.New(errs.Corruption, errors.Wrap(err, "get"))
	}
	defer slice.Free()

	if !slice.Exists() {
		return nil, false, nil
	}
	value = append([]byte(nil), slice.Data()...) // Copy out; the Slice is freed above.
	return value, true, nil
}

// Put writes key => value, durably before returning.
func (s *Store) Put(key, value []byte) error {
	if err := s.db.Put(s.wo, key, value); err != nil {
		return errs.New(errs.Corruption, errors.Wrap(err, "put"))
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(key []byte) error {
	if err := s.db.Delete(s.wo, key); err != nil {
		return errs.New(errs.Corruption, errors.Wrap(err, "delete"))
	}
	return nil
}

// WriteBatch applies a caller-assembled batch atomically.
type WriteBatch struct{ wb *rocks.WriteBatch }

// NewWriteBatch returns an empty WriteBatch.
func NewWriteBatch() *WriteBatch { return &WriteBatch{wb: rocks.NewWriteBatch()} }

func (b *WriteBatch) Put(key, value []byte) { b.wb.Put(key, value) }
func (b *WriteBatch) Delete(key []byte)     { b.wb.Delete(key) }
func (b *WriteBatch) Destroy()              { b.wb.Destroy() }

// Apply commits the batch durably.
func (s *Store) Apply(b *WriteBatch) error {
	if err := s.db.Write(s.wo, b.wb); err != nil {
		return errs.New(errs.Corruption, errors.Wrap(err, "write batch"))
	}
	return nil
}

// ScanPrefix invokes fn with each key/value pair whose key has the
// given prefix, in ascending key order, stopping early if fn returns
// false. The []byte arguments are invalidated by the next iteration.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	var it = s.db.NewIterator(s.ro)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var k, v = it.Key(), it.Value()
		if !fn(k.Data(), v.Data()) {
			k.Free()
			v.Free()
			break
		}
		k.Free()
		v.Free()
	}
	return errors.Wrap(it.Err(), "iterator")
}

// Snapshot is a frozen, exportable view of the Store at a point in
// time: an immutable set of files rooted at Dir, none of which this
// Store (or any other writer) will subsequently mutate. The caller
// must call Release once the files have been consumed (eg uploaded).
type Snapshot struct {
	Dir   string
	Files []FileInfo
}

// FileInfo describes one immutable file within a Snapshot.
type FileInfo struct {
	Name string
	Size int64
}

// Release removes the Snapshot's temporary directory.
func (s *Snapshot) Release() error { return os.RemoveAll(s.Dir) }

// Snapshot creates a consistent, frozen view of the Store's current
// state as a set of immutable files under the caller-supplied intoDir,
// using RocksDB's native Checkpoint mechanism (hard-links of live SST
// files; no copy, no blocking of concurrent writers). This realizes
// spec §4.A's "consistent snapshot ... exportable as a set of immutable
// files plus a small manifest".
func (s *Store) Snapshot(intoDir string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(intoDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating snapshot parent directory")
	}

	cp, err := s.db.NewCheckpoint()
	if err != nil {
		return nil, errs.New(errs.Corruption, errors.Wrap(err, "creating checkpoint object"))
	}
	defer cp.Destroy()

	if err = cp.CreateCheckpoint(intoDir, 0); err != nil {
		return nil, errs.New(errs.Corruption, errors.Wrap(err, "writing checkpoint files"))
	}

	entries, err := os.ReadDir(intoDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing checkpoint directory")
	}

	var files = make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errors.Wrap(err, "stat-ing checkpoint file")
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size()})
	}
	return &Snapshot{Dir: intoDir, Files: files}, nil
}

// Close releases the Store's RocksDB handle and exclusive lock.
func (s *Store) Close() (err error) {
	s.closeOnce.Do(func() {
		s.db.Close()
		s.ro.Destroy()
		s.wo.Destroy()
		s.opts.Destroy()
		err = releaseExclusiveLock(s.lock)
	})
	return err
}
