package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"

	"github.com/pdkman/pdkman/pkg/archive"
	"github.com/pdkman/pdkman/pkg/build"
	"github.com/pdkman/pdkman/pkg/catalog"
	"github.com/pdkman/pdkman/pkg/fetch"
	"github.com/pdkman/pdkman/pkg/store"
)

// pdkArchive builds a minimal conforming .tar.zst PDK artifact.
func pdkArchive(t *testing.T) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	dirs := []string{"sky130A/", "sky130A/libs.ref/", "sky130A/libs.tech/"}
	for _, d := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: d, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			t.Fatal(err)
		}
	}
	content := []byte("MACRO inv_1\n")
	if err := tw.WriteHeader(&tar.Header{
		Name: "sky130A/libs.ref/cells.lef", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

type testEnv struct {
	inst  *Installer
	store *store.Store
}

// newEnv serves a one-family catalog whose single version 9.0 points at
// the given artifact bytes (digest overridable for mismatch tests).
func newEnv(t *testing.T, artifact []byte, digest string, withArtifact bool, recipe string) *testEnv {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	artifactURL := ""
	if withArtifact {
		artifactURL = srv.URL + "/sky130-9.0.tar.zst"
	}
	if digest == "" && withArtifact {
		sum := sha256.Sum256(artifact)
		digest = "sha256:" + hex.EncodeToString(sum[:])
	}

	manifest := map[string]any{
		"families": map[string]any{
			"sky130": map[string]any{
				"latest": "9.0",
				"versions": []map[string]any{{
					"version":      "9.0",
					"artifact_url": artifactURL,
					"digest":       digest,
					"size":         len(artifact),
					"recipe":       recipe,
				}},
			},
		},
	}

	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/sky130-9.0.tar.zst", func(w http.ResponseWriter, r *http.Request) {
		w.Write(artifact)
	})

	st := store.New(t.TempDir())
	logger := log.New(io.Discard)
	fetcher := fetch.New(fetch.WithRetryInterval(time.Millisecond), fetch.WithMaxAttempts(2))

	return &testEnv{
		store: st,
		inst: &Installer{
			Catalog: catalog.NewClient(srv.URL + "/manifest.json"),
			Store:   st,
			Fetcher: fetcher,
			Builder: &build.Orchestrator{Fetcher: fetcher, Logger: logger},
			Logger:  logger,
		},
	}
}

// conformingRecipe writes a recipe that produces a valid PDK layout.
func conformingRecipe(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "open_pdks.recipe")
	recipe := "mkdir -p sky130A/libs.ref sky130A/libs.tech\necho built > sky130A/libs.tech/build.info\n"
	if err := os.WriteFile(path, []byte(recipe), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInstallFromArtifact(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "", true, "")

	iv, err := env.inst.Install(context.Background(), "sky130", "latest", Options{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if iv.Version != "9.0" {
		t.Errorf("installed version = %s, want 9.0", iv.Version)
	}

	// Recorded digest must equal an independent recomputation over the
	// promoted directory.
	recomputed, err := store.HashDir(iv.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if recomputed != iv.Digest {
		t.Errorf("digest %s != recomputed %s", iv.Digest, recomputed)
	}

	if _, err := os.Stat(filepath.Join(iv.Dir, "sky130A", "libs.ref", "cells.lef")); err != nil {
		t.Errorf("installed content missing: %v", err)
	}

	// Not enabled unless requested.
	current, err := env.store.Current("sky130")
	if err != nil {
		t.Fatal(err)
	}
	if current != "" {
		t.Errorf("version enabled without request: %q", current)
	}
}

func TestInstallAndEnable(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "", true, "")

	iv, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{Enable: true})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !iv.Active {
		t.Error("installed version not marked active")
	}

	current, err := env.store.Current("sky130")
	if err != nil {
		t.Fatal(err)
	}
	if current != "9.0" {
		t.Errorf("Current = %q, want 9.0", current)
	}
}

func TestInstallIdempotent(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "", true, "")

	first, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{Enable: true})
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if second.Digest != first.Digest {
		t.Errorf("reinstall changed digest: %s vs %s", second.Digest, first.Digest)
	}
	if !second.Active {
		t.Error("Enable on already-installed version did not activate it")
	}
}

func TestDigestMismatchNeverInstalls(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "sha256:"+strings.Repeat("0", 64), true, "")

	_, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{})
	if !errors.Is(err, fetch.ErrDigestMismatch) {
		t.Fatalf("Install = %v, want ErrDigestMismatch", err)
	}

	versions, err := env.store.List("sky130")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Errorf("store contains %d versions after digest mismatch, want 0", len(versions))
	}
	if entries, _ := os.ReadDir(filepath.Join(env.store.FamilyRoot("sky130"), "tmp")); len(entries) != 0 {
		t.Errorf("staging not cleaned up: %d entries remain", len(entries))
	}
}

func TestBuildWhenNoArtifact(t *testing.T) {
	env := newEnv(t, nil, "", false, conformingRecipe(t))

	iv, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{
		BuildConfig: map[string]string{"variant": "sky130A"},
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	// The built tree passes the same layout validation as a decoded
	// archive and is promoted through the same path.
	if err := archive.ValidateLayout(iv.Dir); err != nil {
		t.Errorf("built tree fails layout validation: %v", err)
	}
}

func TestBuildFallbackOnBadArtifact(t *testing.T) {
	// Artifact digest deliberately wrong; fallback permitted.
	env := newEnv(t, pdkArchive(t), "sha256:deadbeef", true, conformingRecipe(t))

	iv, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{BuildFallback: true})
	if err != nil {
		t.Fatalf("Install with fallback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(iv.Dir, "sky130A", "libs.tech", "build.info")); err != nil {
		t.Errorf("fallback build output missing: %v", err)
	}
}

func TestNoFallbackWithoutPermission(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "sha256:deadbeef", true, conformingRecipe(t))

	_, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{})
	if !errors.Is(err, fetch.ErrDigestMismatch) {
		t.Fatalf("Install = %v, want ErrDigestMismatch without fallback", err)
	}
}

func TestInstallUnknownVersion(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "", true, "")

	_, err := env.inst.Install(context.Background(), "sky130", "42", Options{})
	if !IsNotFound(err) {
		t.Fatalf("Install = %v, want version-not-found", err)
	}
}

func TestForceBuildReplacesInstalledVersion(t *testing.T) {
	env := newEnv(t, pdkArchive(t), "", true, conformingRecipe(t))

	first, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{Enable: true})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	iv, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{ForceBuild: true})
	if err != nil {
		t.Fatalf("forced rebuild of installed version: %v", err)
	}

	// The rebuilt tree replaces the artifact-derived one wholesale.
	if _, err := os.Stat(filepath.Join(iv.Dir, "sky130A", "libs.tech", "build.info")); err != nil {
		t.Errorf("rebuild output missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(iv.Dir, "sky130A", "libs.ref", "cells.lef")); !os.IsNotExist(err) {
		t.Error("artifact content survived the rebuild")
	}
	if iv.Digest == first.Digest {
		t.Error("digest unchanged after rebuild")
	}

	// Rebuilding the active version keeps it active, with a single
	// directory under the version identifier.
	current, err := env.store.Current("sky130")
	if err != nil {
		t.Fatal(err)
	}
	if current != "9.0" {
		t.Errorf("Current = %q after rebuild, want 9.0", current)
	}
	versions, err := env.store.List("sky130")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Errorf("store has %d versions after rebuild, want 1", len(versions))
	}
}

func TestResumesPartialArtifactAcrossInvocations(t *testing.T) {
	artifact := pdkArchive(t)
	sum := sha256.Sum256(artifact)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	sawRange := false
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"families": map[string]any{
				"sky130": map[string]any{
					"latest": "9.0",
					"versions": []map[string]any{{
						"version":      "9.0",
						"artifact_url": srv.URL + "/sky130-9.0.tar.zst",
						"digest":       digest,
						"size":         len(artifact),
					}},
				},
			},
		})
	})
	mux.HandleFunc("/sky130-9.0.tar.zst", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange = true
		}
		// Ignoring the range and answering 200 is a valid If-Range
		// outcome; the fetcher restarts from scratch.
		w.Header().Set("ETag", `"v1"`)
		w.Write(artifact)
	})

	st := store.New(t.TempDir())
	logger := log.New(io.Discard)
	fetcher := fetch.New(fetch.WithRetryInterval(time.Millisecond), fetch.WithMaxAttempts(2))
	inst := &Installer{
		Catalog: catalog.NewClient(srv.URL + "/manifest.json"),
		Store:   st,
		Fetcher: fetcher,
		Builder: &build.Orchestrator{Fetcher: fetcher, Logger: logger},
		Logger:  logger,
	}

	// A partial left by an interrupted earlier run, at the archive path
	// the next invocation computes for the same version.
	tmpDir := filepath.Join(st.FamilyRoot("sky130"), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(tmpDir, "9.0.tar.zst")
	if err := os.WriteFile(partial, artifact[:len(artifact)/2], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(partial+".meta", []byte(`"v1"`), 0o644); err != nil {
		t.Fatal(err)
	}

	iv, err := inst.Install(context.Background(), "sky130", "9.0", Options{})
	if err != nil {
		t.Fatalf("Install over partial: %v", err)
	}
	if !sawRange {
		t.Error("fetch never attempted to resume the recorded partial")
	}
	if _, err := os.Stat(filepath.Join(iv.Dir, "sky130A", "libs.ref", "cells.lef")); err != nil {
		t.Errorf("installed content missing: %v", err)
	}
}

func TestTerminalFetchFailureDiscardsPartial(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"families": map[string]any{
				"sky130": map[string]any{
					"latest": "9.0",
					"versions": []map[string]any{{
						"version":      "9.0",
						"artifact_url": srv.URL + "/sky130-9.0.tar.zst",
						"digest":       "sha256:" + strings.Repeat("0", 64),
						"size":         100,
					}},
				},
			},
		})
	})
	// Declares more bytes than it sends, so every attempt dies mid-body
	// after writing a resumable prefix.
	mux.HandleFunc("/sky130-9.0.tar.zst", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("truncated"))
	})

	st := store.New(t.TempDir())
	logger := log.New(io.Discard)
	fetcher := fetch.New(fetch.WithRetryInterval(time.Millisecond), fetch.WithMaxAttempts(2))
	inst := &Installer{
		Catalog: catalog.NewClient(srv.URL + "/manifest.json"),
		Store:   st,
		Fetcher: fetcher,
		Builder: &build.Orchestrator{Fetcher: fetcher, Logger: logger},
		Logger:  logger,
	}

	_, err := inst.Install(context.Background(), "sky130", "9.0", Options{})
	if !errors.Is(err, fetch.ErrFetchFailed) {
		t.Fatalf("Install = %v, want ErrFetchFailed", err)
	}

	// Nothing will retry this download; neither the partial nor its
	// validator sidecar may linger in staging.
	entries, readErr := os.ReadDir(filepath.Join(st.FamilyRoot("sky130"), "tmp"))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 0 {
		t.Errorf("staging holds %d entries after terminal fetch failure, want 0", len(entries))
	}
}

func TestFailedBuildIsNotPromoted(t *testing.T) {
	recipePath := filepath.Join(t.TempDir(), "broken.recipe")
	if err := os.WriteFile(recipePath, []byte("mkdir -p sky130A/libs.ref\nexit 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, nil, "", false, recipePath)

	_, err := env.inst.Install(context.Background(), "sky130", "9.0", Options{})
	if !errors.Is(err, build.ErrStepFailed) {
		t.Fatalf("Install = %v, want ErrStepFailed", err)
	}

	versions, err := env.store.List("sky130")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Errorf("failed build visible in store: %d versions", len(versions))
	}
}
