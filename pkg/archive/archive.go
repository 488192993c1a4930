package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// maxEntryBytes is the upper bound on a single extracted file (8 GB).
// Guards against decompression bombs; no real PDK ships a larger file.
const maxEntryBytes = 8 << 30

var (
	// ErrDecode is the sentinel wrapped by all unpack failures.
	ErrDecode = errors.New("archive decode failed")

	// ErrMalformedLayout indicates the unpacked tree does not follow the
	// PDK directory convention (variant directories holding libs.ref and
	// libs.tech).
	ErrMalformedLayout = errors.New("layout does not match PDK convention")

	// ErrInsecurePath indicates an archive entry that would resolve
	// outside the staging directory.
	ErrInsecurePath = errors.New("archive entry escapes staging directory")

	// ErrUnsupportedFormat indicates an archive extension the decoder
	// does not handle.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// Unpack decompresses the archive at archivePath into stagingDir,
// preserving file modes and symbolic links. Supported formats are
// .tar.zst (the catalog's artifact format) and .tar.gz. Entries resolving
// outside stagingDir are rejected, and the resulting tree must pass
// ValidateLayout.
func Unpack(archivePath, stagingDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }() // read-only handle

	var tr *tar.Reader
	switch {
	case strings.HasSuffix(archivePath, ".tar.zst") || strings.HasSuffix(archivePath, ".tzst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrDecode, err)
		}
		defer dec.Close()
		tr = tar.NewReader(dec)
	case strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: gzip: %v", ErrDecode, err)
		}
		defer func() { _ = gz.Close() }() // wraps the read-only file handle
		tr = tar.NewReader(gz)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(archivePath))
	}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar entry: %v", ErrDecode, err)
		}
		if err := extractEntry(hdr, tr, stagingDir); err != nil {
			return err
		}
	}

	return ValidateLayout(stagingDir)
}

func extractEntry(hdr *tar.Header, r io.Reader, stagingDir string) error {
	target, err := secureJoin(stagingDir, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
			return fmt.Errorf("creating directory %s: %w", hdr.Name, err)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
		if err != nil {
			return fmt.Errorf("creating %s: %w", hdr.Name, err)
		}
		n, copyErr := io.Copy(out, io.LimitReader(r, maxEntryBytes+1))
		closeErr := out.Close()
		if copyErr != nil {
			return fmt.Errorf("%w: extracting %s: %v", ErrDecode, hdr.Name, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("closing %s: %w", hdr.Name, closeErr)
		}
		if n > maxEntryBytes {
			return fmt.Errorf("%w: entry %s exceeds size limit", ErrDecode, hdr.Name)
		}

	case tar.TypeSymlink:
		// The link target must also stay inside staging: a relative
		// target is resolved against the entry's directory, an absolute
		// target is rejected outright.
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("%s -> %s: %w", hdr.Name, hdr.Linkname, ErrInsecurePath)
		}
		if _, err := secureJoin(stagingDir, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
			return fmt.Errorf("%s -> %s: %w", hdr.Name, hdr.Linkname, ErrInsecurePath)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("creating symlink %s: %w", hdr.Name, err)
		}

	case tar.TypeLink:
		src, err := secureJoin(stagingDir, hdr.Linkname)
		if err != nil {
			return fmt.Errorf("%s -> %s: %w", hdr.Name, hdr.Linkname, ErrInsecurePath)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
		}
		if err := os.Link(src, target); err != nil {
			return fmt.Errorf("creating hard link %s: %w", hdr.Name, err)
		}

	default:
		// PAX headers, devices, fifos: not part of any PDK layout.
	}

	return nil
}

// secureJoin joins name under root and fails with ErrInsecurePath when
// the result escapes root via absolute paths or ".." traversal.
func secureJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%s: %w", name, ErrInsecurePath)
	}
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", name, ErrInsecurePath)
	}
	return target, nil
}

// ValidateLayout enforces the on-disk PDK convention the rest of the
// toolchain reads: at least one variant directory at the top level, each
// conforming variant holding libs.ref and libs.tech subtrees. Both
// decoded archives and source builds pass through this check before
// promotion.
func ValidateLayout(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	conforming := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		refInfo, refErr := os.Stat(filepath.Join(dir, e.Name(), "libs.ref"))
		techInfo, techErr := os.Stat(filepath.Join(dir, e.Name(), "libs.tech"))
		if refErr == nil && refInfo.IsDir() && techErr == nil && techInfo.IsDir() {
			conforming++
		}
	}

	if conforming == 0 {
		return fmt.Errorf("%s: no variant directory with libs.ref and libs.tech: %w", dir, ErrMalformedLayout)
	}
	return nil
}
