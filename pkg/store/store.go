package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	dirPerm    = 0o755
	hashPrefix = "sha256:"

	// DefaultRoot is the store directory created under the PDK root.
	DefaultRoot = "pdkman"

	versionsDir  = "versions"
	stagingDir   = "tmp"
	currentFile  = "current"
	lockFile     = ".lock"
	metadataFile = ".pdkman-version.toml"

	// stagingStaleAge is how old an orphaned staging directory must be
	// before CleanStaging reclaims it. Younger directories may belong to
	// an install still in flight in another process.
	stagingStaleAge = 24 * time.Hour
)

var (
	// ErrAlreadyInstalled is returned by Install when the target version
	// directory already exists. The existing directory is never overwritten.
	ErrAlreadyInstalled = errors.New("version already installed")

	// ErrNotInstalled is returned by Enable and Remove for absent versions.
	ErrNotInstalled = errors.New("version not installed")

	// ErrCannotRemoveActive is returned by Remove without force when the
	// version is the currently active one.
	ErrCannotRemoveActive = errors.New("cannot remove active version")

	// ErrStoreBusy is returned when the store lock cannot be acquired
	// within the bounded wait.
	ErrStoreBusy = errors.New("store is locked by another process")

	// ErrStagingEmpty is returned by Install when the staging directory
	// contains no content.
	ErrStagingEmpty = errors.New("staging directory is empty")
)

// InstalledVersion describes one version directory in the store.
type InstalledVersion struct {
	Family      string
	Version     string
	Digest      string
	InstalledAt time.Time
	Active      bool
	Dir         string
}

// metadata is the on-disk install record written into each version
// directory before promotion.
type metadata struct {
	Family      string    `toml:"family"`
	Version     string    `toml:"version"`
	Digest      string    `toml:"digest"`
	InstalledAt time.Time `toml:"installed_at"`
}

// Store is the on-disk registry of installed PDK versions, rooted at
// <root>/pdkman/<family>. All mutation is guarded by a per-family
// cross-process lock and applied via atomic renames.
type Store struct {
	root     string
	lockWait time.Duration
}

// Option configures a Store during construction.
type Option func(*Store)

// WithLockWait bounds how long mutations wait for the family lock before
// failing with ErrStoreBusy.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) { s.lockWait = d }
}

// New creates a Store rooted at the given PDK root directory.
func New(pdkRoot string, opts ...Option) *Store {
	s := &Store{
		root:     filepath.Join(pdkRoot, DefaultRoot),
		lockWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the store root directory (under the PDK root).
func (s *Store) Root() string {
	return s.root
}

// FamilyRoot returns the directory holding one family's store.
func (s *Store) FamilyRoot(family string) string {
	return filepath.Join(s.root, family)
}

// Path returns the directory an installed version lives in (or would live
// in). Does not check existence.
func (s *Store) Path(family, version string) string {
	return filepath.Join(s.root, family, versionsDir, version)
}

// Current returns the active version identifier for the family, or an
// empty string when no version is enabled.
func (s *Store) Current(family string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, family, currentFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading active marker: %w", err)
	}
	// The marker is a documented on-disk contract; tolerate a trailing
	// newline from tooling that wrote it by hand.
	return strings.TrimSpace(string(data)), nil
}

// List enumerates the installed versions of a family, newest first by
// install time. It takes no lock: a concurrent install is invisible until
// its rename lands, and directories without an install record (staging
// leftovers that were never promoted, foreign files) are skipped.
func (s *Store) List(family string) ([]InstalledVersion, error) {
	dir := filepath.Join(s.root, family, versionsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store for %s: %w", family, err)
	}

	active, err := s.Current(family)
	if err != nil {
		return nil, err
	}

	var versions []InstalledVersion
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		iv, err := s.readInstalled(family, e.Name())
		if err != nil {
			continue
		}
		iv.Active = iv.Version == active
		versions = append(versions, *iv)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].InstalledAt.After(versions[j].InstalledAt)
	})
	return versions, nil
}

// Get returns the install record for a single version, or ErrNotInstalled.
func (s *Store) Get(family, version string) (*InstalledVersion, error) {
	iv, err := s.readInstalled(family, version)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", family, version, ErrNotInstalled)
	}
	active, err := s.Current(family)
	if err != nil {
		return nil, err
	}
	iv.Active = iv.Version == active
	return iv, nil
}

func (s *Store) readInstalled(family, version string) (*InstalledVersion, error) {
	dir := s.Path(family, version)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var md metadata
	if err := toml.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &InstalledVersion{
		Family:      family,
		Version:     version,
		Digest:      md.Digest,
		InstalledAt: md.InstalledAt,
		Dir:         dir,
	}, nil
}

// StageDir creates a process-private staging directory for an install
// attempt. It lives under the family root (same filesystem volume as the
// versions directory) but outside the visible namespace, so promotion is a
// single atomic rename.
func (s *Store) StageDir(family, version string) (string, error) {
	dir := filepath.Join(s.root, family, stagingDir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("creating staging area: %w", err)
	}
	staged, err := os.MkdirTemp(dir, fmt.Sprintf("%s.%d.*", version, os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return staged, nil
}

// CleanStaging removes orphaned staging directories left behind by killed
// processes. Only directories older than stagingStaleAge are reclaimed so
// that another process's in-flight install is left alone.
func (s *Store) CleanStaging(family string) {
	dir := filepath.Join(s.root, family, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-stagingStaleAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

// Install promotes a fully-populated staging directory into the store's
// visible namespace under the version identifier. The content digest is
// computed and recorded before promotion; the lock is held only around the
// rename itself. If the version directory already exists the staging
// directory is left untouched and ErrAlreadyInstalled is returned.
func (s *Store) Install(family, version, staged string) (*InstalledVersion, error) {
	return s.promote(family, version, staged, false)
}

// Replace promotes staged content over a version that may already be
// installed, displacing the existing directory under the lock so the
// version identifier never points at a half-replaced tree. The active
// marker is untouched: a rebuild of the active version stays active.
func (s *Store) Replace(family, version, staged string) (*InstalledVersion, error) {
	return s.promote(family, version, staged, true)
}

func (s *Store) promote(family, version, staged string, replace bool) (*InstalledVersion, error) {
	entries, err := os.ReadDir(staged)
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}
	populated := false
	for _, e := range entries {
		if e.Name() != metadataFile {
			populated = true
			break
		}
	}
	if !populated {
		return nil, fmt.Errorf("%s/%s: %w", family, version, ErrStagingEmpty)
	}

	digest, err := HashDir(staged)
	if err != nil {
		return nil, fmt.Errorf("hashing staged content: %w", err)
	}

	md := metadata{
		Family:      family,
		Version:     version,
		Digest:      digest,
		InstalledAt: time.Now().UTC(),
	}
	data, err := toml.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshaling install record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staged, metadataFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing install record: %w", err)
	}

	target := s.Path(family, version)
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return nil, fmt.Errorf("creating versions directory: %w", err)
	}

	lock, err := s.acquire(family)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	displaced := ""
	if _, err := os.Lstat(target); err == nil {
		if !replace {
			return nil, fmt.Errorf("%s/%s: %w", family, version, ErrAlreadyInstalled)
		}
		// Move the old tree aside into staging so the promotion below is
		// a plain same-volume rename. CleanStaging reclaims it if the
		// removal further down never runs.
		displaced = staged + ".displaced"
		if err := os.Rename(target, displaced); err != nil {
			return nil, fmt.Errorf("displacing %s/%s: %w", family, version, err)
		}
	}
	if err := os.Rename(staged, target); err != nil {
		if displaced != "" {
			_ = os.Rename(displaced, target)
		}
		return nil, fmt.Errorf("promoting %s/%s: %w", family, version, err)
	}
	if displaced != "" {
		os.RemoveAll(displaced)
	}

	return &InstalledVersion{
		Family:      family,
		Version:     version,
		Digest:      digest,
		InstalledAt: md.InstalledAt,
		Dir:         target,
	}, nil
}

// Enable marks an installed version as the active one for its family. The
// marker file is replaced via write-then-rename so readers never observe a
// partial update.
func (s *Store) Enable(family, version string) error {
	lock, err := s.acquire(family)
	if err != nil {
		return err
	}
	defer lock.release()

	if _, err := os.Stat(s.Path(family, version)); err != nil {
		return fmt.Errorf("%s/%s: %w", family, version, ErrNotInstalled)
	}
	return s.writeMarker(family, version)
}

func (s *Store) writeMarker(family, version string) error {
	marker := filepath.Join(s.root, family, currentFile)
	tmp, err := os.CreateTemp(filepath.Dir(marker), currentFile+".*")
	if err != nil {
		return fmt.Errorf("creating marker temp file: %w", err)
	}
	if _, err := tmp.WriteString(version); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), marker); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing marker: %w", err)
	}
	return nil
}

// Remove deletes an installed version. The active version is refused
// unless force is set, in which case the active marker is cleared first so
// no reader ever sees a marker pointing at a missing directory.
func (s *Store) Remove(family, version string, force bool) error {
	lock, err := s.acquire(family)
	if err != nil {
		return err
	}
	defer lock.release()

	target := s.Path(family, version)
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("%s/%s: %w", family, version, ErrNotInstalled)
	}

	active, err := s.Current(family)
	if err != nil {
		return err
	}
	if active == version {
		if !force {
			return fmt.Errorf("%s/%s: %w", family, version, ErrCannotRemoveActive)
		}
		if err := os.Remove(filepath.Join(s.root, family, currentFile)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing active marker: %w", err)
		}
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("removing %s/%s: %w", family, version, err)
	}
	return nil
}

// HashDir computes a "sha256:<hex>" integrity digest over all file
// contents in dir, walking recursively in sorted order for determinism.
// Symbolic links contribute their target path rather than the pointed-to
// content, so the digest is stable regardless of link resolution. The
// install record itself is excluded so the digest recorded at install time
// matches a recomputation over the promoted directory.
func HashDir(dir string) (string, error) {
	h := sha256.New()

	type entry struct {
		rel  string
		link bool
	}
	var files []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == metadataFile {
			return nil
		}
		files = append(files, entry{rel: rel, link: d.Type()&fs.ModeSymlink != 0})
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	for _, f := range files {
		path := filepath.Join(dir, f.rel)
		h.Write([]byte(f.rel))
		if f.link {
			target, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			h.Write([]byte("->" + target))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		h.Write(data)
	}

	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
