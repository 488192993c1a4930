//go:build unix

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// familyLock holds an exclusive flock on the family's lock file. The
// zero-byte lock file is harmless if orphaned: the kernel releases the
// flock automatically when the descriptor is closed, including on process
// crash.
type familyLock struct {
	file *os.File
}

// acquire takes the family's store lock, polling a non-blocking flock
// until lockWait elapses. Failing within the bound returns ErrStoreBusy
// rather than blocking indefinitely.
func (s *Store) acquire(family string) (*familyLock, error) {
	path := filepath.Join(s.root, family, lockFile)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating family directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	deadline := time.Now().Add(s.lockWait)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &familyLock{file: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%s: %w", family, ErrStoreBusy)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// release unlocks and closes the lock file. Safe to call more than once.
func (l *familyLock) release() {
	if l == nil || l.file == nil {
		return
	}
	// LOCK_UN before Close for explicitness; Close also releases the flock.
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
