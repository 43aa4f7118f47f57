package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPackage(t *testing.T) {
	assert := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/leftpad":
			fmt.Fprint(w, `{
				"name": "leftpad",
				"dist-tags": {"latest": "1.3.0"},
				"versions": {"1.3.0": {"main": "index.js"}}
			}`)
		case "/@scope%2Fpkg":
			fmt.Fprint(w, `{"name": "@scope/pkg"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), 100)
	ctx := context.Background()

	meta, err := c.GetPackage(ctx, "leftpad")
	require.NoError(t, err)
	assert.Equal("leftpad", meta.Name)
	version, vmeta := meta.LatestVersion()
	assert.Equal("1.3.0", version)
	assert.Equal("index.js", vmeta.Main)

	// scoped names are path-escaped
	meta, err = c.GetPackage(ctx, "@scope/pkg")
	require.NoError(t, err)
	assert.Equal("@scope/pkg", meta.Name)

	_, err = c.GetPackage(ctx, "missing")
	assert.ErrorIs(err, ErrPackageNotFound)
}
