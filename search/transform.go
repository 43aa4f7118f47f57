package search

import (
	"bytes"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/lodestone-search/lodestone/registry"
)

const (
	maxDescriptionLen = 500
	maxKeywords       = 20
	maxMaintainers    = 10

	// days since last publish after which the maintenance score bottoms out
	maintenanceWindowDays = 730

	typesScopePrefix = "@types/"
)

// PackageDoc is the flat search index record for one package. Invariant: the
// document id equals Name; upserts are idempotent and last-write-wins by
// DocIndexTs.
type PackageDoc struct {
	DocIndexTs         string   `json:"doc_index_ts"`
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	Description        *string  `json:"description,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	License            *string  `json:"license,omitempty"`
	Author             *string  `json:"author,omitempty"`
	Maintainers        []string `json:"maintainers,omitempty"`
	RepositoryURL      *string  `json:"repository_url,omitempty"`
	Homepage           *string  `json:"homepage,omitempty"`
	FundingURL         *string  `json:"funding_url,omitempty"`
	CreatedAt          *string  `json:"created_at,omitempty"`
	ModifiedAt         *string  `json:"modified_at,omitempty"`
	LastPublishedAt    *string  `json:"last_published_at,omitempty"`
	WeeklyDownloads    int64    `json:"weekly_downloads"`
	Popularity         float64  `json:"popularity"`
	IsESM              bool     `json:"is_esm"`
	IsCJS              bool     `json:"is_cjs"`
	HasTypes           bool     `json:"has_types"`
	Dependencies       *string  `json:"dependencies,omitempty"`
	DependencyCount    int      `json:"dependency_count"`
	DevDependencyCount int      `json:"dev_dependency_count"`
	PeerDependencyCount int     `json:"peer_dependency_count"`
	Deprecated         bool     `json:"deprecated"`
	DeprecationMessage *string  `json:"deprecation_message,omitempty"`
	MaintenanceScore   *float64 `json:"maintenance_score,omitempty"`
	HasInstallScript   bool     `json:"has_install_script"`
	VulnCritical       int      `json:"vuln_critical"`
	VulnHigh           int      `json:"vuln_high"`
	VulnModerate       int      `json:"vuln_moderate"`
	VulnLow            int      `json:"vuln_low"`
}

// Returns the search index document ID (`_id`) for this document.
func (d *PackageDoc) DocId() string {
	return d.Name
}

// ApplyVulnerabilities folds per-severity vulnerability counts into the
// document. Severity keys are matched case-insensitively.
func (d *PackageDoc) ApplyVulnerabilities(counts map[string]int) {
	for sev, n := range counts {
		switch strings.ToLower(sev) {
		case "critical":
			d.VulnCritical += n
		case "high":
			d.VulnHigh += n
		case "moderate", "medium":
			d.VulnModerate += n
		case "low":
			d.VulnLow += n
		}
	}
}

// TransformPackage maps raw registry metadata plus a weekly download count to
// a normalized search document. Pure: no I/O, deterministic for fixed inputs
// (fetchedAt is the caller's fetch wall-clock, carried into DocIndexTs).
// Malformed structural input degrades to absent fields, never an error.
func TransformPackage(meta *registry.PackageMetadata, weeklyDownloads int64, fetchedAt time.Time) PackageDoc {
	version, vmeta := meta.LatestVersion()

	doc := PackageDoc{
		DocIndexTs:      fetchedAt.UTC().Format(time.RFC3339),
		Name:            meta.Name,
		Version:         version,
		WeeklyDownloads: weeklyDownloads,
		Popularity:      popularityScore(weeklyDownloads),
	}

	description := meta.Description
	if description == "" {
		description = vmeta.Description
	}
	if description != "" {
		description = truncate(description, maxDescriptionLen)
		doc.Description = &description
	}

	if len(meta.Keywords) > 0 {
		keywords := meta.Keywords
		if len(keywords) > maxKeywords {
			keywords = keywords[:maxKeywords]
		}
		doc.Keywords = keywords
	}

	if meta.License.SPDX != "" {
		doc.License = &meta.License.SPDX
	}
	if meta.Author.Name != "" {
		doc.Author = &meta.Author.Name
	}
	for _, m := range meta.Maintainers {
		if m.Name == "" {
			continue
		}
		doc.Maintainers = append(doc.Maintainers, m.Name)
		if len(doc.Maintainers) >= maxMaintainers {
			break
		}
	}
	if meta.Repository.URL != "" {
		doc.RepositoryURL = &meta.Repository.URL
	}
	if meta.Homepage != "" {
		doc.Homepage = &meta.Homepage
	}
	if meta.Funding.URL != "" {
		doc.FundingURL = &meta.Funding.URL
	}

	if ts := normalizeTime(meta.Time["created"]); ts != "" {
		doc.CreatedAt = &ts
	}
	if ts := normalizeTime(meta.Time["modified"]); ts != "" {
		doc.ModifiedAt = &ts
	}
	if ts := normalizeTime(meta.Time[version]); ts != "" {
		doc.LastPublishedAt = &ts
		if score, ok := maintenanceScore(meta.Time[version], fetchedAt); ok {
			doc.MaintenanceScore = &score
		}
	}

	// dual-mode packages may legitimately set both flags
	doc.IsESM = vmeta.Type == "module" || vmeta.Module != "" || hasExports(vmeta.Exports)
	doc.IsCJS = vmeta.Type != "module" || vmeta.Main != ""
	doc.HasTypes = vmeta.Types != "" || vmeta.Typings != "" || strings.HasPrefix(meta.Name, typesScopePrefix)

	doc.DependencyCount = len(vmeta.Dependencies)
	doc.DevDependencyCount = len(vmeta.DevDependencies)
	doc.PeerDependencyCount = len(vmeta.PeerDependencies)
	if len(vmeta.Dependencies) > 0 {
		// compact serialized map; json.Marshal sorts map keys, so the output
		// is deterministic
		if b, err := json.Marshal(vmeta.Dependencies); err == nil {
			deps := string(b)
			doc.Dependencies = &deps
		}
	}

	doc.Deprecated = vmeta.Deprecated.Deprecated
	if vmeta.Deprecated.Message != "" {
		msg := truncate(vmeta.Deprecated.Message, maxDescriptionLen)
		doc.DeprecationMessage = &msg
	}

	doc.HasInstallScript = vmeta.HasInstallScript()

	return doc
}

// truncate bounds s to max characters, not bytes, so multi-byte text is never
// cut mid-rune.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func hasExports(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func normalizeTime(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// maintenanceScore decays linearly from 1.0 at publish time to 0 at 730 days,
// rounded to 2 decimals. The false return means the field should be omitted
// (score would be zero).
func maintenanceScore(lastPublish string, fetchedAt time.Time) (float64, bool) {
	t, err := time.Parse(time.RFC3339, lastPublish)
	if err != nil {
		return 0, false
	}
	days := fetchedAt.Sub(t).Hours() / 24
	if days < 0 {
		days = 0
	}
	score := 1 - days/maintenanceWindowDays
	if score < 0 {
		score = 0
	}
	score = math.Round(score*100) / 100
	if score == 0 {
		return 0, false
	}
	return score, true
}

// popularityScore compresses the weekly download count into a 0..1 signal.
func popularityScore(weeklyDownloads int64) float64 {
	if weeklyDownloads <= 0 {
		return 0
	}
	score := math.Log10(float64(weeklyDownloads)+1) / 9
	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}
