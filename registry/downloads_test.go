package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastWeek(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/point/last-week/leftpad":
			fmt.Fprint(w, `{"downloads": 12345, "package": "leftpad"}`)
		case "/point/last-week/@scope%2Fpkg":
			fmt.Fprint(w, `{"downloads": 7, "package": "@scope/pkg"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewDownloadsClient(srv.URL, srv.Client())
	ctx := context.Background()

	n, err := c.LastWeek(ctx, "leftpad")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), n)

	// scoped names are path-escaped
	n, err = c.LastWeek(ctx, "@scope/pkg")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	// unknown packages are zero, not an error
	n, err = c.LastWeek(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestLastWeekBulk(t *testing.T) {
	var mu sync.Mutex
	var bulkRequests []string
	var singleRequests []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.EscapedPath(), "/point/last-week/")
		if strings.Contains(rest, ",") {
			mu.Lock()
			bulkRequests = append(bulkRequests, rest)
			mu.Unlock()
			names := strings.Split(rest, ",")
			parts := make([]string, 0, len(names))
			for _, name := range names {
				if name == "gone" {
					// unknown packages come back as null entries
					parts = append(parts, fmt.Sprintf("%q: null", name))
					continue
				}
				parts = append(parts, fmt.Sprintf("%q: {\"downloads\": %d, \"package\": %q}", name, len(name)*10, name))
			}
			fmt.Fprint(w, "{"+strings.Join(parts, ",")+"}")
			return
		}
		mu.Lock()
		singleRequests = append(singleRequests, rest)
		mu.Unlock()
		fmt.Fprintf(w, `{"downloads": 5, "package": %q}`, rest)
	}))
	defer srv.Close()

	c := NewDownloadsClient(srv.URL, srv.Client())
	counts, err := c.LastWeekBulk(context.Background(), []string{"@a/b", "cc", "ddd", "gone"})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"@a/b": 5,
		"cc":   20,
		"ddd":  30,
		"gone": 0,
	}, counts)

	// plain names share one comma-joined request; the scoped name goes alone
	assert.Equal(t, []string{"cc,ddd,gone"}, bulkRequests)
	assert.Equal(t, []string{"@a%2Fb"}, singleRequests)
}

func TestLastWeekBulkChunking(t *testing.T) {
	var mu sync.Mutex
	var sizes []int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/point/last-week/")
		names := strings.Split(rest, ",")
		mu.Lock()
		sizes = append(sizes, len(names))
		mu.Unlock()
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%q: {\"downloads\": 1, \"package\": %q}", name, name))
		}
		fmt.Fprint(w, "{"+strings.Join(parts, ",")+"}")
	}))
	defer srv.Close()

	names := make([]string, bulkDownloadsLimit+10)
	for i := range names {
		names[i] = fmt.Sprintf("pkg%04d", i)
	}

	c := NewDownloadsClient(srv.URL, srv.Client())
	counts, err := c.LastWeekBulk(context.Background(), names)
	require.NoError(t, err)
	assert.Len(t, counts, len(names))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sizes, 2)
	total := sizes[0] + sizes[1]
	assert.Equal(t, len(names), total)
	assert.LessOrEqual(t, sizes[0], bulkDownloadsLimit)
	assert.LessOrEqual(t, sizes[1], bulkDownloadsLimit)
}

func TestLastWeekBulkSingleName(t *testing.T) {
	// one plain name must use the single-package shape, not the bulk one
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/point/last-week/lone", r.URL.Path)
		fmt.Fprint(w, `{"downloads": 99, "package": "lone"}`)
	}))
	defer srv.Close()

	c := NewDownloadsClient(srv.URL, srv.Client())
	counts, err := c.LastWeekBulk(context.Background(), []string{"lone"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"lone": 99}, counts)
}
