//go:build unix

package election

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"taskfarm/errs"
)

const lockSupported = true

// tryLock takes an exclusive flock on path without blocking. Locks belong to
// the open file description, so two opens in one process still exclude each other.
func tryLock(path string) (unlock func(), won bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, errs.ElectionError.Wrap(err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, errs.ElectionError.Wrap(err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		})
	}, true, nil
}
