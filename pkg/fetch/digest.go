package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const digestPrefix = "sha256:"

// ErrDigestMismatch indicates the computed digest does not match the
// catalog-declared value. It is always fatal for the artifact.
var ErrDigestMismatch = errors.New("digest mismatch")

// DigestError provides details about a content verification failure. It
// wraps ErrDigestMismatch so callers can classify with errors.Is.
type DigestError struct {
	Path     string
	Expected string
	Got      string
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest verification failed for %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// Unwrap returns ErrDigestMismatch so callers can use errors.Is.
func (e *DigestError) Unwrap() error { return ErrDigestMismatch }

// HashFile computes the "sha256:<hex>" digest of the file at path,
// streaming so the file is never fully held in memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }() // read-only handle

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile checks the file at path against the expected digest
// ("sha256:<hex>", prefix optional). On mismatch the file is deleted —
// mismatched content is never kept, never installed — and a *DigestError
// is returned. There is no partial-trust mode.
func VerifyFile(path, expected string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}

	want := expected
	if !strings.HasPrefix(want, digestPrefix) {
		want = digestPrefix + want
	}

	if !strings.EqualFold(got, want) {
		os.Remove(path)
		return &DigestError{Path: path, Expected: want, Got: got}
	}
	return nil
}
