package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// metaSuffix names the sidecar file recording the remote validator (ETag
// or Last-Modified) for a partial download, so a resume can prove the
// prefix still matches the remote object.
const metaSuffix = ".meta"

var (
	// ErrFetchFailed is the sentinel wrapped by FetchError after retries
	// are exhausted.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrSizeMismatch indicates the completed download's size disagrees
	// with the catalog-declared size.
	ErrSizeMismatch = errors.New("fetched size disagrees with declared size")
)

// FetchError reports a download that failed after bounded retries.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

// Unwrap returns ErrFetchFailed so callers can classify with errors.Is.
func (e *FetchError) Unwrap() error { return ErrFetchFailed }

// Fetcher streams remote artifacts to disk with bounded retries and
// range-request resume.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxAttempts int
	interval    time.Duration
}

// Option configures a Fetcher during construction.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithMaxAttempts bounds the total number of transfer attempts.
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) { f.maxAttempts = n }
}

// WithRetryInterval sets the initial backoff interval between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(f *Fetcher) { f.interval = d }
}

// New creates a Fetcher with default retry policy (4 attempts,
// exponential backoff starting at one second).
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      http.DefaultClient,
		userAgent:   "pdkman",
		maxAttempts: 4,
		interval:    time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxAttempts < 1 {
		f.maxAttempts = 1
	}
	return f
}

// Discard removes a partial download and its validator sidecar. Callers
// use it when the destination will not be retried, so no stale prefix is
// left behind for a future fetch to resume from.
func Discard(dest string) {
	os.Remove(dest)
	os.Remove(dest + metaSuffix)
}

// Fetch streams the content at url into dest, resuming a previous partial
// download when the remote supplied a validator and supports range
// requests. expectedSize, when positive, is checked against the final
// byte count. Returns the number of bytes on disk.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string, expectedSize int64) (int64, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.interval

	attempts := 0
	op := func() error {
		attempts++
		return f.attempt(ctx, url, dest)
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(f.maxAttempts-1)), ctx))
	if err != nil {
		return 0, &FetchError{URL: url, Attempts: attempts, Err: err}
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("statting download: %w", err)
	}

	if expectedSize > 0 && info.Size() != expectedSize {
		Discard(dest)
		return 0, fmt.Errorf("%s: got %d bytes, declared %d: %w", url, info.Size(), expectedSize, ErrSizeMismatch)
	}

	os.Remove(dest + metaSuffix)
	return info.Size(), nil
}

// attempt performs one transfer, resuming from an existing prefix when
// possible. Transport errors and 5xx responses are retryable; 4xx
// responses are permanent.
func (f *Fetcher) attempt(ctx context.Context, url, dest string) error {
	offset, validator := f.resumeState(dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		req.Header.Set("If-Range", validator)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	var flags int
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		// Remote honored the range; append to the validated prefix.
		flags = os.O_WRONLY | os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// Full body (fresh fetch, or the remote object changed and
		// If-Range demoted the request); restart from scratch.
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case resp.StatusCode >= 500:
		return fmt.Errorf("server status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("status %d from %s", resp.StatusCode, url))
	}

	if v := responseValidator(resp); v != "" {
		// Recorded before the body copy so an interrupted prefix is
		// still resumable.
		_ = os.WriteFile(dest+metaSuffix, []byte(v), 0o644)
	} else {
		os.Remove(dest + metaSuffix)
	}

	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("opening %s: %w", dest, err))
	}

	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("streaming body: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", dest, closeErr)
	}
	return nil
}

// resumeState reports the resumable prefix length and its recorded
// validator. Without a validator the prefix cannot be proven to match the
// remote object and is discarded.
func (f *Fetcher) resumeState(dest string) (int64, string) {
	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		return 0, ""
	}

	v, err := os.ReadFile(dest + metaSuffix)
	if err != nil || len(v) == 0 {
		os.Remove(dest)
		return 0, ""
	}
	return info.Size(), strings.TrimSpace(string(v))
}

// responseValidator picks the strongest validator offered by the response
// for use in a later If-Range.
func responseValidator(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}
