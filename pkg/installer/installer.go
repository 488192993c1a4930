package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pdkman/pdkman/pkg/archive"
	"github.com/pdkman/pdkman/pkg/build"
	"github.com/pdkman/pdkman/pkg/catalog"
	"github.com/pdkman/pdkman/pkg/fetch"
	"github.com/pdkman/pdkman/pkg/store"
)

// Installer wires the catalog, fetcher, decoder, builder, and store into
// the install pipeline: resolve, fetch, verify, stage, promote.
type Installer struct {
	Catalog *catalog.Client
	Store   *store.Store
	Fetcher *fetch.Fetcher
	Builder *build.Orchestrator
	Logger  *log.Logger
}

// Options controls one install invocation.
type Options struct {
	// Enable activates the version after a successful install (or
	// immediately when it is already installed).
	Enable bool
	// BuildFallback permits falling back to a source build when fetching
	// or verifying an existing prebuilt artifact fails. Entries without
	// an artifact URL always build, regardless of this setting.
	BuildFallback bool
	// ForceBuild skips the prebuilt artifact even when one exists.
	ForceBuild bool
	// BuildConfig is the flat target configuration the recipe's
	// conditional directives are resolved against.
	BuildConfig map[string]string
}

func (inst *Installer) logger() *log.Logger {
	if inst.Logger != nil {
		return inst.Logger
	}
	return log.Default()
}

// Install resolves the version spec against the catalog and ensures that
// version is present in the store. Installing a version that is already
// present is not an error; the existing install is returned (and enabled
// when requested).
func (inst *Installer) Install(ctx context.Context, family, spec string, opts Options) (*store.InstalledVersion, error) {
	entry, err := inst.Catalog.Resolve(ctx, family, spec)
	if err != nil {
		return nil, fmt.Errorf("resolving %s/%s: %w", family, spec, err)
	}
	return inst.InstallEntry(ctx, entry, opts)
}

// InstallEntry ensures the given catalog entry is installed. The staging
// directory is always either promoted into the store or removed before
// control returns.
func (inst *Installer) InstallEntry(ctx context.Context, entry *catalog.Entry, opts Options) (*store.InstalledVersion, error) {
	family, version := entry.Family, entry.Version

	existing, err := inst.Store.Get(family, version)
	installed := err == nil
	if installed && !opts.ForceBuild {
		inst.logger().Info("version already installed", "family", family, "version", version)
		if opts.Enable {
			if err := inst.Store.Enable(family, version); err != nil {
				return nil, err
			}
			existing.Active = true
		}
		return existing, nil
	}

	inst.Store.CleanStaging(family)

	staged, err := inst.Store.StageDir(family, version)
	if err != nil {
		return nil, err
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(staged)
		}
	}()

	if entry.ArtifactURL == "" || opts.ForceBuild {
		if err := inst.buildInto(ctx, entry, opts, staged); err != nil {
			return nil, err
		}
	} else if err := inst.fetchInto(ctx, entry, staged); err != nil {
		if !opts.BuildFallback || entry.Recipe == "" {
			return nil, err
		}
		inst.logger().Warn("artifact unusable, falling back to source build",
			"family", family, "version", version, "error", err)
		if err := resetDir(staged); err != nil {
			return nil, err
		}
		if err := inst.buildInto(ctx, entry, opts, staged); err != nil {
			return nil, err
		}
	}

	var iv *store.InstalledVersion
	if installed {
		// Force rebuild of a present version: the fresh build displaces
		// the old directory; an active version stays active.
		iv, err = inst.Store.Replace(family, version, staged)
	} else {
		iv, err = inst.Store.Install(family, version, staged)
	}
	if err != nil {
		return nil, err
	}
	promoted = true
	inst.logger().Info("installed", "family", family, "version", version, "digest", iv.Digest)

	if opts.Enable {
		if err := inst.Store.Enable(family, version); err != nil {
			return nil, err
		}
		iv.Active = true
	}
	return iv, nil
}

// fetchInto downloads, verifies, and unpacks the prebuilt artifact into
// the staging directory. The archive lands at a deterministic per-version
// path next to the staging directory, never inside it, so a partial left
// by an interrupted run is resumed by the next invocation.
func (inst *Installer) fetchInto(ctx context.Context, entry *catalog.Entry, staged string) error {
	dest := filepath.Join(filepath.Dir(staged), entry.Version+artifactSuffix(entry.ArtifactURL))

	inst.logger().Info("fetching artifact", "family", entry.Family, "version", entry.Version, "url", entry.ArtifactURL)
	if _, err := inst.Fetcher.Fetch(ctx, entry.ArtifactURL, dest, entry.Size); err != nil {
		// Retries are exhausted; nothing will resume this prefix.
		fetch.Discard(dest)
		return err
	}
	defer os.Remove(dest)

	if entry.Digest == "" {
		return fmt.Errorf("catalog entry %s/%s declares no digest: %w", entry.Family, entry.Version, catalog.ErrMalformed)
	}
	if err := fetch.VerifyFile(dest, entry.Digest); err != nil {
		return err
	}

	if err := archive.Unpack(dest, staged); err != nil {
		return err
	}
	return archive.ValidateLayout(staged)
}

// buildInto runs the source build for the entry and validates the
// resulting layout the same way a decoded archive is validated.
func (inst *Installer) buildInto(ctx context.Context, entry *catalog.Entry, opts Options, staged string) error {
	if entry.Recipe == "" {
		return fmt.Errorf("catalog entry %s/%s has neither artifact nor recipe: %w",
			entry.Family, entry.Version, catalog.ErrMalformed)
	}

	inst.logger().Info("building from source", "family", entry.Family, "version", entry.Version, "recipe", entry.Recipe)
	if err := inst.Builder.Build(ctx, entry.Recipe, opts.BuildConfig, staged); err != nil {
		return err
	}
	return archive.ValidateLayout(staged)
}

// artifactSuffix preserves the archive extension from the URL path so the
// decoder can detect the format. Defaults to the catalog's standard
// artifact format.
func artifactSuffix(artifactURL string) string {
	base := path.Base(artifactURL)
	for _, suffix := range []string{".tar.zst", ".tzst", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(base, suffix) {
			return suffix
		}
	}
	return ".tar.zst"
}

// resetDir empties a staging directory between the failed artifact
// attempt and the source-build fallback.
func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("resetting staging directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("resetting staging directory: %w", err)
		}
	}
	return nil
}

// IsNotFound reports whether err is a resolution-time miss rather than an
// infrastructure failure, for callers that present the two differently.
func IsNotFound(err error) bool {
	return errors.Is(err, catalog.ErrVersionNotFound)
}
