package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/metrics"
)

// ClientConfig configures the remote registry client.
type ClientConfig struct {
	RegistryURL string
	Mirrors     []string
	Timeout     time.Duration
	MaxRetries  int
	AuthToken   string
	UserAgent   string
}

// DefaultClientConfig returns the standard client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RegistryURL: "https://registry.corral.dev",
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		UserAgent:   "corral/1.0",
	}
}

// versionsResponse is the wire shape of the versions endpoint.
type versionsResponse struct {
	Versions []string `json:"versions"`
}

type packageResponse struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Description  string               `json:"description"`
	SHA256       string               `json:"sha256"`
	DownloadURL  string               `json:"download_url"`
	WITURL       string               `json:"wit_url"`
	Dependencies []dependencyResponse `json:"dependencies"`
	Targets      []string             `json:"targets"`
	License      string               `json:"license"`
	Repository   string               `json:"repository"`
	Size         int                  `json:"size"`
	PublishedAt  int64                `json:"published_at"`
}

type dependencyResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Optional bool   `json:"optional"`
}

type searchResponse struct {
	Packages []packageResponse `json:"packages"`
	Total    int               `json:"total"`
}

// Client talks the three-endpoint registry protocol over HTTP with
// bounded exponential-backoff retries and mirror fallback. Version
// lists memoise in a bounded LRU.
type Client struct {
	config   ClientConfig
	http     *http.Client
	versions *lru.Cache[string, []*semver.Version]
}

// NewClient builds a registry client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	versions, _ := lru.New[string, []*semver.Version](256)
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.Timeout},
		versions: versions,
	}
}

func (c *Client) baseURLs() []string {
	return append([]string{c.config.RegistryURL}, c.config.Mirrors...)
}

// retry runs fn against each base URL with exponential backoff,
// stopping early on non-transient failures.
func (c *Client) retry(ctx context.Context, fn func(baseURL string) error) error {
	var lastErr error
	for _, base := range c.baseURLs() {
		for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
			err := fn(base)
			if err == nil {
				return nil
			}
			lastErr = err

			// only reachability failures are transient; hash mismatch,
			// not-found, and conflict fail immediately
			if !errdefs.IsKind(err, errdefs.KindRegistryUnavailable) {
				return err
			}

			if attempt < c.config.MaxRetries-1 {
				metrics.RegistryRetriesTotal.Inc()
				delay := time.Duration(100*(1<<attempt)) * time.Millisecond
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return errdefs.Wrap(errdefs.KindRegistryUnavailable, "", ctx.Err(), "registry request cancelled")
				}
			}
		}
	}
	if lastErr == nil {
		lastErr = errdefs.New(errdefs.KindRegistryUnavailable, "", "no registry URLs configured")
	}
	return lastErr
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "build request %s", rawURL)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "registry %s unreachable", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errdefs.New(errdefs.KindPackageNotFound, "", "not found: %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return errdefs.New(errdefs.KindRegistryUnavailable, "", "registry %s returned %d", rawURL, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "invalid registry response from %s", rawURL)
	}
	return nil
}

// Versions returns a package's published versions, ascending.
func (c *Client) Versions(ctx context.Context, name string) ([]*semver.Version, error) {
	if cached, ok := c.versions.Get(name); ok {
		return cached, nil
	}

	var out []*semver.Version
	err := c.retry(ctx, func(base string) error {
		var data versionsResponse
		endpoint := fmt.Sprintf("%s/api/v1/packages/%s/versions", base, url.PathEscape(name))
		if err := c.getJSON(ctx, endpoint, &data); err != nil {
			return err
		}

		out = out[:0]
		for _, raw := range data.Versions {
			if v, err := semver.NewVersion(raw); err == nil {
				out = append(out, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Sort(semver.Collection(out))
	c.versions.Add(name, out)
	return out, nil
}

// LatestVersion returns the highest published version.
func (c *Client) LatestVersion(ctx context.Context, name string) (*semver.Version, error) {
	versions, err := c.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errdefs.New(errdefs.KindPackageNotFound, "", "%s@*", name)
	}
	return versions[len(versions)-1], nil
}

// PackageInfo returns one published version's catalogue record.
func (c *Client) PackageInfo(ctx context.Context, name string, version *semver.Version) (*Package, error) {
	var pkg *Package
	err := c.retry(ctx, func(base string) error {
		var data packageResponse
		endpoint := fmt.Sprintf("%s/api/v1/packages/%s/%s", base, url.PathEscape(name), version)
		if err := c.getJSON(ctx, endpoint, &data); err != nil {
			return err
		}
		converted, err := convertPackageResponse(data)
		if err != nil {
			return err
		}
		pkg = converted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// Info returns the latest version's catalogue record.
func (c *Client) Info(ctx context.Context, name string) (*Package, error) {
	latest, err := c.LatestVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.PackageInfo(ctx, name, latest)
}

// rewriteDownloadURL guards against a registry whose advertised
// download URLs point at localhost; such URLs are re-rooted onto the
// configured registry URL.
func (c *Client) rewriteDownloadURL(raw string) string {
	if strings.HasPrefix(raw, "http://localhost") || strings.HasPrefix(raw, "http://127.0.0.1") {
		if idx := strings.Index(raw, "/packages/"); idx >= 0 {
			return strings.TrimSuffix(c.config.RegistryURL, "/") + raw[idx:]
		}
	}
	return raw
}

// Download fetches a package binary and verifies it against the
// registry's published hash.
func (c *Client) Download(ctx context.Context, name string, version *semver.Version) ([]byte, error) {
	info, err := c.PackageInfo(ctx, name, version)
	if err != nil {
		return nil, err
	}

	data, err := c.DownloadRaw(ctx, c.rewriteDownloadURL(info.DownloadURL))
	if err != nil {
		return nil, err
	}

	if actual := HashBytes(data); actual != info.SHA256 {
		return nil, errdefs.New(errdefs.KindHashMismatch, "",
			"%s: expected %s, got %s", name, info.SHA256, actual)
	}

	metrics.RegistryDownloadsTotal.Inc()
	return data, nil
}

// DownloadRaw fetches raw bytes from a URL without hash verification.
func (c *Client) DownloadRaw(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "build request %s", rawURL)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "download %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.New(errdefs.KindRegistryUnavailable, "", "download %s returned %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "download %s", rawURL)
	}
	return data, nil
}

// Search queries the registry's search endpoint.
func (c *Client) Search(ctx context.Context, query string) ([]*Package, error) {
	var out []*Package
	err := c.retry(ctx, func(base string) error {
		var data searchResponse
		endpoint := fmt.Sprintf("%s/api/v1/search?q=%s", base, url.QueryEscape(query))
		if err := c.getJSON(ctx, endpoint, &data); err != nil {
			return err
		}

		out = out[:0]
		for _, raw := range data.Packages {
			pkg, err := convertPackageResponse(raw)
			if err != nil {
				continue
			}
			out = append(out, pkg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Publish uploads a package with bearer authentication. A version that
// already exists fails with VersionExists.
func (c *Client) Publish(ctx context.Context, pkg *Package, component []byte) error {
	if c.config.AuthToken == "" {
		return errdefs.New(errdefs.KindRegistryViolation, "", "authentication required for publishing")
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("name", pkg.Name)
	_ = form.WriteField("version", pkg.Version.String())
	_ = form.WriteField("description", pkg.Description)
	_ = form.WriteField("sha256", HashBytes(component))

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="component"; filename="%s.wasm"`, SafeName(pkg.Name)))
	header.Set("Content-Type", "application/wasm")
	part, err := form.CreatePart(header)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "build publish form")
	}
	if _, err := part.Write(component); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "build publish form")
	}
	if err := form.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "build publish form")
	}

	endpoint := c.config.RegistryURL + "/api/v1/packages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "build publish request")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindRegistryUnavailable, "", err, "publish to %s", endpoint)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusUnauthorized:
		return errdefs.New(errdefs.KindRegistryViolation, "", "invalid authentication token")
	case http.StatusConflict:
		return errdefs.New(errdefs.KindVersionExists, "", "%s@%s is immutable", pkg.Name, pkg.Version)
	default:
		msg, _ := io.ReadAll(resp.Body)
		return errdefs.New(errdefs.KindRegistryUnavailable, "", "publish failed: %s", strings.TrimSpace(string(msg)))
	}
}

// HealthCheck reports whether the registry responds on /health.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.RegistryURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// InvalidateVersions drops the memoised version list of a package.
func (c *Client) InvalidateVersions(name string) {
	c.versions.Remove(name)
}

func convertPackageResponse(data packageResponse) (*Package, error) {
	version, err := semver.NewVersion(data.Version)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, "", err, "invalid version %q", data.Version)
	}

	deps := make([]Dependency, 0, len(data.Dependencies))
	for _, d := range data.Dependencies {
		dep, err := NewDependency(d.Name, d.Version)
		if err != nil {
			continue
		}
		dep.Optional = d.Optional
		deps = append(deps, dep)
	}

	targets := data.Targets
	if len(targets) == 0 {
		targets = []string{"wasm32-wasip2"}
	}

	return &Package{
		Name:         data.Name,
		Version:      version,
		Description:  data.Description,
		SHA256:       data.SHA256,
		DownloadURL:  data.DownloadURL,
		WITURL:       data.WITURL,
		Dependencies: deps,
		Targets:      targets,
		License:      data.License,
		Repository:   data.Repository,
		Size:         data.Size,
		PublishedAt:  data.PublishedAt,
	}, nil
}
