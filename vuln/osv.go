// Client for the OSV vulnerability database, used to enrich package
// documents with per-severity vulnerability counts.
package vuln

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lodestone-search/lodestone/cachestore"
)

const cacheName = "osv"

type Client struct {
	Host   string
	HTTP   *http.Client
	Logger *slog.Logger

	// Cache is consulted before querying; lookups for one package version
	// rarely change, so a long TTL is fine.
	Cache    cachestore.CacheStore
	CacheTTL time.Duration
}

func NewClient(host string, httpClient *http.Client, cache cachestore.CacheStore, logger *slog.Logger) *Client {
	return &Client{
		Host:     host,
		HTTP:     httpClient,
		Logger:   logger.With("source", "osv"),
		Cache:    cache,
		CacheTTL: 24 * time.Hour,
	}
}

type queryRequest struct {
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Version string `json:"version,omitempty"`
}

type queryResponse struct {
	Vulns []struct {
		ID               string `json:"id"`
		DatabaseSpecific struct {
			Severity string `json:"severity"`
		} `json:"database_specific"`
	} `json:"vulns"`
}

// CountBySeverity queries known vulnerabilities for one package version and
// returns counts keyed by lowercase severity ("critical", "high", "moderate",
// "low"). Entries without a usable severity are counted as "low".
func (c *Client) CountBySeverity(ctx context.Context, name, version string) (map[string]int, error) {
	cacheKey := name + "@" + version
	if c.Cache != nil {
		if cached, hit, err := c.Cache.Get(ctx, cacheName, cacheKey); err == nil && hit {
			var counts map[string]int
			if err := json.Unmarshal([]byte(cached), &counts); err == nil {
				return counts, nil
			}
		}
	}

	var q queryRequest
	q.Package.Name = name
	q.Package.Ecosystem = "npm"
	q.Version = version
	body, err := json.Marshal(&q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vulnerability query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vulnerability query failed: %s", resp.Status)
	}

	var res queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode vulnerability response: %w", err)
	}

	counts := make(map[string]int)
	for _, v := range res.Vulns {
		sev := strings.ToLower(v.DatabaseSpecific.Severity)
		switch sev {
		case "critical", "high", "moderate", "low":
		case "medium":
			sev = "moderate"
		default:
			sev = "low"
		}
		counts[sev]++
	}

	if c.Cache != nil {
		if b, err := json.Marshal(counts); err == nil {
			if err := c.Cache.Set(ctx, cacheName, cacheKey, string(b), c.CacheTTL); err != nil {
				c.Logger.Warn("failed to cache vulnerability counts", "package", cacheKey, "err", err)
			}
		}
	}
	return counts, nil
}
