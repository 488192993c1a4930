package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxManifestBytes is the upper bound on manifest response size (10 MB).
// Prevents unbounded memory consumption from a malformed or hostile
// catalog endpoint.
const maxManifestBytes = 10 << 20

// DefaultURL is the catalog consulted when no catalog_url is configured.
const DefaultURL = "https://catalog.pdkman.dev/manifest.json"

var (
	// ErrUnreachable indicates a network or transport failure talking to
	// the catalog endpoint.
	ErrUnreachable = errors.New("catalog unreachable")

	// ErrMalformed indicates the catalog response could not be parsed or
	// violates the manifest contract (missing latest pointer, duplicate
	// version identifiers).
	ErrMalformed = errors.New("catalog malformed")

	// ErrVersionNotFound indicates the requested family or version spec
	// matched nothing in the catalog.
	ErrVersionNotFound = errors.New("version not found in catalog")
)

// SpecLatest is the symbolic version spec resolved through the catalog's
// declared latest pointer. An empty spec means the same thing.
const SpecLatest = "latest"

type (
	// Entry is one row of the catalog: a concrete version of a PDK family
	// and where to get it. An empty ArtifactURL means no prebuilt artifact
	// exists and the version must be built from source via its recipe.
	Entry struct {
		Family      string
		Version     string `json:"version"`
		ArtifactURL string `json:"artifact_url"`
		Digest      string `json:"digest"`
		Size        int64  `json:"size"`
		Recipe      string `json:"recipe"`
		Prerelease  bool   `json:"prerelease"`
		PublishedAt string `json:"published_at"`
		Latest      bool   `json:"-"`
	}

	// Family is the catalog's record for one PDK family. Versions are in
	// catalog-declared order; Latest names the most recent version by the
	// catalog's own reckoning. No lexical or semver ordering is ever
	// inferred from the identifiers.
	Family struct {
		Latest   string  `json:"latest"`
		Versions []Entry `json:"versions"`
	}

	// Manifest is the parsed catalog document.
	Manifest struct {
		GeneratedAt string            `json:"generated_at"`
		Families    map[string]Family `json:"families"`
	}

	// Client fetches and resolves the remote catalog manifest.
	Client struct {
		url        string
		httpClient *http.Client
		userAgent  string
		token      string
		cacheDir   string
	}

	// Option configures a Client during construction.
	Option func(*Client)
)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxy
// configurations.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

// WithToken sets a bearer token for catalogs that require authentication.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithCacheDir enables the advisory manifest cache. Each successful fetch
// is mirrored to disk with its timestamp; the cache is never consulted for
// integrity decisions.
func WithCacheDir(dir string) Option {
	return func(cl *Client) { cl.cacheDir = dir }
}

// NewClient creates a catalog client for the given manifest URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: http.DefaultClient,
		userAgent:  "pdkman",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manifest fetches and parses the remote catalog. One network round trip;
// the raw bytes are mirrored to the advisory cache when one is configured.
func (c *Client) Manifest(ctx context.Context) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrUnreachable, resp.StatusCode, c.url)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	m, err := parseManifest(raw)
	if err != nil {
		return nil, err
	}

	if c.cacheDir != "" {
		// Best effort: a failed cache write never fails the fetch.
		_ = writeCache(c.cacheDir, raw, time.Now().UTC())
	}

	return m, nil
}

// Versions lists a family's catalog entries in catalog-declared order,
// with the Latest flag set on the declared most-recent version.
func (c *Client) Versions(ctx context.Context, family string) ([]Entry, error) {
	m, err := c.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	return m.FamilyVersions(family)
}

// Resolve turns a version spec into the concrete catalog entry for the
// family. "latest" (or an empty spec) follows the catalog's latest
// pointer; anything else must match a version identifier exactly.
func (c *Client) Resolve(ctx context.Context, family, spec string) (*Entry, error) {
	m, err := c.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	return m.Resolve(family, spec)
}

// Resolve performs spec resolution against an already-fetched manifest.
func (m *Manifest) Resolve(family, spec string) (*Entry, error) {
	entries, err := m.FamilyVersions(family)
	if err != nil {
		return nil, err
	}

	if spec == "" || spec == SpecLatest {
		for i := range entries {
			if entries[i].Latest {
				return &entries[i], nil
			}
		}
		// parseManifest guarantees the pointer resolves; defensive only.
		return nil, fmt.Errorf("%s: latest: %w", family, ErrVersionNotFound)
	}

	for i := range entries {
		if entries[i].Version == spec {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%s: %s: %w", family, spec, ErrVersionNotFound)
}

// FamilyVersions lists a family's entries in catalog-declared order with
// the Latest flag set. It is the resolution primitive shared by live and
// cached manifests.
func (m *Manifest) FamilyVersions(family string) ([]Entry, error) {
	fam, ok := m.Families[family]
	if !ok {
		return nil, fmt.Errorf("family %s: %w", family, ErrVersionNotFound)
	}
	entries := make([]Entry, len(fam.Versions))
	for i, e := range fam.Versions {
		e.Family = family
		e.Latest = e.Version == fam.Latest
		entries[i] = e
	}
	return entries, nil
}

// parseManifest decodes and validates the manifest contract: version
// identifiers unique within a family, and each family's latest pointer
// naming one of its versions.
func parseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for name, fam := range m.Families {
		seen := make(map[string]bool, len(fam.Versions))
		latestFound := false
		for _, e := range fam.Versions {
			if e.Version == "" {
				return nil, fmt.Errorf("%w: family %s has an entry without a version identifier", ErrMalformed, name)
			}
			if seen[e.Version] {
				return nil, fmt.Errorf("%w: family %s lists version %s twice", ErrMalformed, name, e.Version)
			}
			seen[e.Version] = true
			if e.Version == fam.Latest {
				latestFound = true
			}
		}
		if len(fam.Versions) > 0 && !latestFound {
			return nil, fmt.Errorf("%w: family %s latest pointer %q matches no version", ErrMalformed, name, fam.Latest)
		}
	}

	return &m, nil
}
