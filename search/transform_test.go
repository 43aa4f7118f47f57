package search

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/registry"
)

var fixedFetchTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func metaFromJSON(t *testing.T, raw string) *registry.PackageMetadata {
	t.Helper()
	var meta registry.PackageMetadata
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	return &meta
}

func TestTransformBasic(t *testing.T) {
	assert := assert.New(t)

	meta := metaFromJSON(t, `{
		"name": "leftpad",
		"description": "pads strings on the left",
		"dist-tags": {"latest": "1.3.0"},
		"versions": {
			"1.3.0": {
				"main": "index.js",
				"dependencies": {"b": "^1.0.0", "a": "^2.0.0"},
				"devDependencies": {"mocha": "^10.0.0"},
				"scripts": {"test": "mocha"}
			}
		},
		"time": {
			"created": "2015-03-01T00:00:00Z",
			"modified": "2024-05-01T00:00:00Z",
			"1.3.0": "2024-05-01T00:00:00Z"
		},
		"keywords": ["pad", "string"],
		"license": "MIT",
		"author": {"name": "azer"},
		"maintainers": [{"name": "azer"}, {"name": "cam"}],
		"repository": {"url": "https://github.com/left-pad/left-pad"},
		"homepage": "https://left-pad.io"
	}`)

	doc := TransformPackage(meta, 1000, fixedFetchTime)

	assert.Equal("leftpad", doc.Name)
	assert.Equal("leftpad", doc.DocId())
	assert.Equal("1.3.0", doc.Version)
	assert.Equal("2024-06-01T12:00:00Z", doc.DocIndexTs)
	require.NotNil(t, doc.Description)
	assert.Equal("pads strings on the left", *doc.Description)
	assert.Equal([]string{"pad", "string"}, doc.Keywords)
	require.NotNil(t, doc.License)
	assert.Equal("MIT", *doc.License)
	require.NotNil(t, doc.Author)
	assert.Equal("azer", *doc.Author)
	assert.Equal([]string{"azer", "cam"}, doc.Maintainers)
	assert.Equal(int64(1000), doc.WeeklyDownloads)
	assert.Equal(1, doc.DependencyCount)
	assert.Equal(1, doc.DevDependencyCount)
	assert.Equal(0, doc.PeerDependencyCount)
	require.NotNil(t, doc.Dependencies)
	assert.Equal(`{"a":"^2.0.0","b":"^1.0.0"}`, strings.ReplaceAll(*doc.Dependencies, " ", ""))
	assert.False(doc.Deprecated)
	assert.False(doc.HasInstallScript)
	assert.False(doc.IsESM)
	assert.True(doc.IsCJS)
	require.NotNil(t, doc.LastPublishedAt)
	assert.Equal("2024-05-01T00:00:00Z", *doc.LastPublishedAt)
	require.NotNil(t, doc.MaintenanceScore)
	// published 31 days before fetch; 1 - 31/730 rounded to 2 decimals
	assert.InDelta(0.96, *doc.MaintenanceScore, 0.001)
}

func TestTransformDeterministic(t *testing.T) {
	meta := metaFromJSON(t, `{
		"name": "express",
		"dist-tags": {"latest": "4.19.2"},
		"versions": {"4.19.2": {"main": "index.js", "dependencies": {"accepts": "~1.3.8"}}},
		"time": {"4.19.2": "2024-03-25T00:00:00Z"}
	}`)

	first := TransformPackage(meta, 25_000_000, fixedFetchTime)
	second := TransformPackage(meta, 25_000_000, fixedFetchTime)
	assert.Equal(t, first, second)
}

func TestTransformTruncation(t *testing.T) {
	assert := assert.New(t)

	longDesc := strings.Repeat("x", maxDescriptionLen+100)
	maintainers := make([]string, 0, maxMaintainers+5)
	for i := 0; i < maxMaintainers+5; i++ {
		maintainers = append(maintainers, `{"name": "m"}`)
	}

	meta := metaFromJSON(t, `{
		"name": "big",
		"description": "`+longDesc+`",
		"keywords": ["`+strings.Repeat(`kw", "`, maxKeywords+4)+`kw"],
		"maintainers": [`+strings.Join(maintainers, ",")+`]
	}`)

	doc := TransformPackage(meta, 0, fixedFetchTime)
	require.NotNil(t, doc.Description)
	assert.Len(*doc.Description, maxDescriptionLen)
	assert.Len(doc.Keywords, maxKeywords)
	assert.Len(doc.Maintainers, maxMaintainers)
}

func TestTransformTruncationMultibyte(t *testing.T) {
	// character bound, not byte bound: two-byte runes must not be cut in half
	longDesc := strings.Repeat("é", maxDescriptionLen+100)
	meta := metaFromJSON(t, `{"name": "accents", "description": "`+longDesc+`"}`)

	doc := TransformPackage(meta, 0, fixedFetchTime)
	require.NotNil(t, doc.Description)
	assert.Equal(t, maxDescriptionLen, utf8.RuneCountInString(*doc.Description))
	assert.True(t, utf8.ValidString(*doc.Description))
}

func TestTransformDescriptionFallback(t *testing.T) {
	meta := metaFromJSON(t, `{
		"name": "terse",
		"dist-tags": {"latest": "1.0.0"},
		"versions": {"1.0.0": {"description": "only on the version record"}}
	}`)

	doc := TransformPackage(meta, 0, fixedFetchTime)
	require.NotNil(t, doc.Description)
	assert.Equal(t, "only on the version record", *doc.Description)
}

func TestTransformMissingLatestTag(t *testing.T) {
	meta := metaFromJSON(t, `{"name": "ghost", "versions": {}, "time": {}}`)
	doc := TransformPackage(meta, 0, fixedFetchTime)
	assert.Equal(t, "0.0.0", doc.Version)
	assert.Nil(t, doc.LastPublishedAt)
	assert.Nil(t, doc.MaintenanceScore)
}

func TestTransformModuleSystems(t *testing.T) {
	cases := []struct {
		name    string
		version string
		esm     bool
		cjs     bool
	}{
		{"pure-cjs", `{"main": "index.js"}`, false, true},
		{"pure-esm", `{"type": "module"}`, true, false},
		{"dual", `{"type": "module", "main": "index.cjs", "module": "index.mjs"}`, true, true},
		{"exports-map", `{"main": "index.js", "exports": {".": "./index.js"}}`, true, true},
		{"implicit-cjs", `{}`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta := metaFromJSON(t, `{
				"name": "pkg",
				"dist-tags": {"latest": "1.0.0"},
				"versions": {"1.0.0": `+tc.version+`}
			}`)
			doc := TransformPackage(meta, 0, fixedFetchTime)
			assert.Equal(t, tc.esm, doc.IsESM, "is_esm")
			assert.Equal(t, tc.cjs, doc.IsCJS, "is_cjs")
		})
	}
}

func TestTransformTypes(t *testing.T) {
	assert := assert.New(t)

	withTypings := metaFromJSON(t, `{
		"name": "typed",
		"dist-tags": {"latest": "1.0.0"},
		"versions": {"1.0.0": {"typings": "index.d.ts"}}
	}`)
	assert.True(TransformPackage(withTypings, 0, fixedFetchTime).HasTypes)

	typesScope := metaFromJSON(t, `{
		"name": "@types/node",
		"dist-tags": {"latest": "20.0.0"},
		"versions": {"20.0.0": {}}
	}`)
	assert.True(TransformPackage(typesScope, 0, fixedFetchTime).HasTypes)

	untyped := metaFromJSON(t, `{
		"name": "plain",
		"dist-tags": {"latest": "1.0.0"},
		"versions": {"1.0.0": {"main": "index.js"}}
	}`)
	assert.False(TransformPackage(untyped, 0, fixedFetchTime).HasTypes)
}

func TestTransformDeprecation(t *testing.T) {
	assert := assert.New(t)

	// string form
	meta := metaFromJSON(t, `{
		"name": "request",
		"dist-tags": {"latest": "2.88.2"},
		"versions": {"2.88.2": {"deprecated": "request has been deprecated"}}
	}`)
	doc := TransformPackage(meta, 0, fixedFetchTime)
	assert.True(doc.Deprecated)
	require.NotNil(t, doc.DeprecationMessage)
	assert.Equal("request has been deprecated", *doc.DeprecationMessage)

	// boolean form carries no message
	meta = metaFromJSON(t, `{
		"name": "old",
		"dist-tags": {"latest": "1.0.0"},
		"versions": {"1.0.0": {"deprecated": true}}
	}`)
	doc = TransformPackage(meta, 0, fixedFetchTime)
	assert.True(doc.Deprecated)
	assert.Nil(doc.DeprecationMessage)
}

func TestTransformInstallScript(t *testing.T) {
	meta := metaFromJSON(t, `{
		"name": "native",
		"dist-tags": {"latest": "1.0.0"},
		"versions": {"1.0.0": {"scripts": {"postinstall": "node-gyp rebuild", "test": "jest"}}}
	}`)
	assert.True(t, TransformPackage(meta, 0, fixedFetchTime).HasInstallScript)
}

func TestTransformTolerantShapes(t *testing.T) {
	assert := assert.New(t)

	// string author/keywords/license-object, numeric junk elsewhere
	meta := metaFromJSON(t, `{
		"name": "weird",
		"dist-tags": {"latest": "1.0.0"},
		"versions": {"1.0.0": {}},
		"keywords": "single-keyword",
		"author": "Jane Doe <jane@example.com>",
		"license": {"type": "Apache-2.0"},
		"repository": "github:user/repo",
		"maintainers": [{"name": "ok"}, 42]
	}`)

	doc := TransformPackage(meta, 0, fixedFetchTime)
	assert.Equal([]string{"single-keyword"}, doc.Keywords)
	require.NotNil(t, doc.Author)
	assert.Equal("Jane Doe <jane@example.com>", *doc.Author)
	require.NotNil(t, doc.License)
	assert.Equal("Apache-2.0", *doc.License)
	require.NotNil(t, doc.RepositoryURL)
	assert.Equal("github:user/repo", *doc.RepositoryURL)
	assert.Equal([]string{"ok"}, doc.Maintainers)
}

func TestMaintenanceScoreBounds(t *testing.T) {
	assert := assert.New(t)

	// exactly at the window boundary the score is zero and omitted
	published := fixedFetchTime.AddDate(0, 0, -maintenanceWindowDays)
	_, ok := maintenanceScore(published.Format(time.RFC3339), fixedFetchTime)
	assert.False(ok)

	// future publish timestamps clamp to a perfect score
	future := fixedFetchTime.Add(24 * time.Hour)
	score, ok := maintenanceScore(future.Format(time.RFC3339), fixedFetchTime)
	assert.True(ok)
	assert.Equal(1.0, score)

	// fresh publish
	score, ok = maintenanceScore(fixedFetchTime.Format(time.RFC3339), fixedFetchTime)
	assert.True(ok)
	assert.Equal(1.0, score)
}

func TestPopularityScore(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(0.0, popularityScore(0))
	assert.Equal(0.0, popularityScore(-5))
	assert.InDelta(0.22, popularityScore(99), 0.001)
	assert.Greater(popularityScore(1_000_000), popularityScore(1_000))
	assert.LessOrEqual(popularityScore(1<<62), 1.0)
}

func TestApplyVulnerabilities(t *testing.T) {
	assert := assert.New(t)
	doc := PackageDoc{}
	doc.ApplyVulnerabilities(map[string]int{
		"CRITICAL": 1,
		"High":     2,
		"medium":   3,
		"moderate": 1,
		"low":      4,
		"unknown":  7,
	})
	assert.Equal(1, doc.VulnCritical)
	assert.Equal(2, doc.VulnHigh)
	assert.Equal(4, doc.VulnModerate)
	assert.Equal(4, doc.VulnLow)
}
