package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
)

// The downloads API accepts at most this many comma-joined names per bulk
// point request.
const bulkDownloadsLimit = 128

// DownloadsClient fetches weekly download counts from the registry's
// downloads API.
type DownloadsClient struct {
	Host string
	HTTP *http.Client

	// MaxConcurrent bounds in-flight requests during batched lookups.
	MaxConcurrent int
}

func NewDownloadsClient(host string, httpClient *http.Client) *DownloadsClient {
	return &DownloadsClient{
		Host:          host,
		HTTP:          httpClient,
		MaxConcurrent: 20,
	}
}

type pointResponse struct {
	Downloads int64  `json:"downloads"`
	Package   string `json:"package"`
}

// LastWeek returns the weekly download count for a single package. Unknown
// packages (404) count as zero.
func (c *DownloadsClient) LastWeek(ctx context.Context, name string) (int64, error) {
	u := fmt.Sprintf("%s/point/last-week/%s", c.Host, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downloads fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("downloads fetch failed: %s", resp.Status)
	}

	var point pointResponse
	if err := json.NewDecoder(resp.Body).Decode(&point); err != nil {
		return 0, fmt.Errorf("failed to decode downloads response: %w", err)
	}
	return point.Downloads, nil
}

// LastWeekBulk returns weekly download counts for a set of packages.
//
// Plain names are comma-joined into bulk point requests of at most 128 names.
// Scoped ("@"-prefixed) names are not supported by the bulk endpoint and are
// fetched individually. At most MaxConcurrent requests are in flight at once.
// Names the API doesn't know resolve to zero, not an error.
func (c *DownloadsClient) LastWeekBulk(ctx context.Context, names []string) (map[string]int64, error) {
	var scoped []string
	var plain []string
	for _, name := range names {
		if strings.HasPrefix(name, "@") {
			scoped = append(scoped, name)
		} else {
			plain = append(plain, name)
		}
	}

	maxConcurrent := c.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	out := make(map[string]int64, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for len(plain) > 0 {
		chunk := plain
		if len(chunk) > bulkDownloadsLimit {
			chunk = chunk[:bulkDownloadsLimit]
		}
		plain = plain[len(chunk):]

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			defer sem.Release(1)
			counts, err := c.bulkPoint(ctx, chunk)
			if err != nil {
				recordErr(err)
				return
			}
			mu.Lock()
			for name, n := range counts {
				out[name] = n
			}
			mu.Unlock()
		}(chunk)
	}

	for _, name := range scoped {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			n, err := c.LastWeek(ctx, name)
			if err != nil {
				recordErr(err)
				return
			}
			mu.Lock()
			out[name] = n
			mu.Unlock()
		}(name)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	for _, name := range names {
		if _, ok := out[name]; !ok {
			out[name] = 0
		}
	}
	return out, nil
}

func (c *DownloadsClient) bulkPoint(ctx context.Context, names []string) (map[string]int64, error) {
	if len(names) == 1 {
		// the bulk endpoint returns the single-package shape for one name
		n, err := c.LastWeek(ctx, names[0])
		if err != nil {
			return nil, err
		}
		return map[string]int64{names[0]: n}, nil
	}

	u := fmt.Sprintf("%s/point/last-week/%s", c.Host, strings.Join(names, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk downloads fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bulk downloads fetch failed: %s", resp.Status)
	}

	// null entries mean the API doesn't know the package
	var points map[string]*pointResponse
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("failed to decode bulk downloads response: %w", err)
	}

	out := make(map[string]int64, len(points))
	for name, point := range points {
		if point != nil {
			out[name] = point.Downloads
		}
	}
	return out, nil
}
