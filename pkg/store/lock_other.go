//go:build !unix

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// staleLockAge is the age past which an orphaned lock directory from a
// crashed process is broken. flock-style kernel cleanup is unavailable
// here, so the test-and-set lock needs an explicit staleness rule.
const staleLockAge = 10 * time.Minute

// familyLock is the directory-create test-and-set fallback used where
// flock is unavailable. Mkdir is atomic on every supported filesystem.
type familyLock struct {
	path string
}

func (s *Store) acquire(family string) (*familyLock, error) {
	path := filepath.Join(s.root, family, lockFile)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating family directory: %w", err)
	}

	deadline := time.Now().Add(s.lockWait)
	for {
		err := os.Mkdir(path, 0o700)
		if err == nil {
			return &familyLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", family, ErrStoreBusy)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (l *familyLock) release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}
