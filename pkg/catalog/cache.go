package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const cacheFile = "manifest.json"

// cachedManifest is the on-disk shape of the advisory cache: the raw
// manifest bytes plus when they were fetched.
type cachedManifest struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Manifest  json.RawMessage `json:"manifest"`
}

func writeCache(dir string, raw []byte, fetchedAt time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(cachedManifest{FetchedAt: fetchedAt, Manifest: raw})
	if err != nil {
		return err
	}

	path := filepath.Join(dir, cacheFile)
	tmp, err := os.CreateTemp(dir, cacheFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadCached reads the advisory manifest cache written by a previous
// fetch, returning the parsed manifest and its fetch time. The cache
// carries no integrity authority; callers surface its age to the user.
func LoadCached(dir string) (*Manifest, time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, cacheFile))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("no cached manifest: %w", err)
	}

	var cached cachedManifest
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: cache: %v", ErrMalformed, err)
	}

	m, err := parseManifest(cached.Manifest)
	if err != nil {
		return nil, time.Time{}, err
	}
	return m, cached.FetchedAt, nil
}
