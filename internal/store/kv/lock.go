package kv

import (
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// acquireExclusiveLock takes a non-blocking exclusive file lock at path,
// grounded on bsc-erigon's use of gofrs/flock for exclusive directory
// ownership (mdbx/erigon-lib's datadir lock). It returns an error if the
// lock is already held by another process, rather than blocking: a
// second writer for the same partition directory is always a bug, never
// something to wait out.
func acquireExclusiveLock(path string) (*flock.Flock, error) {
	var fl = flock.New(path)

	var ok, err = fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "locking")
	} else if !ok {
		return nil, errors.Errorf("store directory %q is already owned by another process", path)
	}
	return fl, nil
}

func releaseExclusiveLock(fl *flock.Flock) error {
	return fl.Unlock()
}
