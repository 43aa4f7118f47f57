package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// CatalogClient lists the full package catalog from the replicate endpoint,
// used to seed a backfill.
type CatalogClient struct {
	Host string
	HTTP *http.Client
}

type allDocsResponse struct {
	TotalRows int64 `json:"total_rows"`
	Rows      []struct {
		ID string `json:"id"`
	} `json:"rows"`
}

// ListPackageIDs fetches every package id in the catalog, in catalog order,
// with design documents filtered out. This is a large response (tens of MB);
// callers are expected to fetch once and persist.
func (c *CatalogClient) ListPackageIDs(ctx context.Context) ([]string, error) {
	u := fmt.Sprintf("%s/_all_docs", c.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch failed: %s", resp.Status)
	}

	var docs allDocsResponse
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	ids := make([]string, 0, len(docs.Rows))
	for _, row := range docs.Rows {
		if strings.HasPrefix(row.ID, "_design/") {
			continue
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}
