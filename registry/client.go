package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/carlmjohnson/versioninfo"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// ErrPackageNotFound is returned for a 404 on package metadata; callers are
// expected to treat it as "package no longer resolvable", not a failure.
var ErrPackageNotFound = errors.New("package not found")

// Client fetches package metadata documents from the registry HTTP API.
type Client struct {
	Host    string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

func NewClient(host string, httpClient *http.Client, fetchesPerSecond int) *Client {
	if fetchesPerSecond <= 0 {
		fetchesPerSecond = 20
	}
	return &Client{
		Host:    host,
		HTTP:    httpClient,
		Limiter: rate.NewLimiter(rate.Limit(fetchesPerSecond), fetchesPerSecond),
	}
}

// GetPackage fetches the full metadata document for one package. Scoped names
// ("@scope/pkg") are path-escaped. Returns ErrPackageNotFound on 404.
func (c *Client) GetPackage(ctx context.Context, name string) (*PackageMetadata, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := fmt.Sprintf("%s/%s", c.Host, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("lodestone/%s", versioninfo.Short()))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry metadata fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPackageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry metadata fetch failed: %s", resp.Status)
	}

	var meta PackageMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode package metadata: %w", err)
	}
	if meta.Name == "" {
		meta.Name = name
	}
	return &meta, nil
}
