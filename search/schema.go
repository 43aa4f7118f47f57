package search

// desiredFields is the flat field → mapping for the package index. Schema
// evolution is additive only: fields present in the live index but not here
// are left alone, and fields listed here but missing remotely are added at
// startup without a blocking migration.
var desiredFields = map[string]map[string]interface{}{
	"doc_index_ts":          {"type": "date"},
	"name":                  {"type": "text", "analyzer": "standard", "fields": map[string]interface{}{"raw": map[string]interface{}{"type": "keyword"}}},
	"version":               {"type": "keyword"},
	"description":           {"type": "text"},
	"keywords":              {"type": "keyword"},
	"license":               {"type": "keyword"},
	"author":                {"type": "text"},
	"maintainers":           {"type": "keyword"},
	"repository_url":        {"type": "keyword"},
	"homepage":              {"type": "keyword"},
	"funding_url":           {"type": "keyword"},
	"created_at":            {"type": "date"},
	"modified_at":           {"type": "date"},
	"last_published_at":     {"type": "date"},
	"weekly_downloads":      {"type": "long"},
	"popularity":            {"type": "float"},
	"is_esm":                {"type": "boolean"},
	"is_cjs":                {"type": "boolean"},
	"has_types":             {"type": "boolean"},
	"dependencies":          {"type": "keyword", "index": false},
	"dependency_count":      {"type": "integer"},
	"dev_dependency_count":  {"type": "integer"},
	"peer_dependency_count": {"type": "integer"},
	"deprecated":            {"type": "boolean"},
	"deprecation_message":   {"type": "text"},
	"maintenance_score":     {"type": "float"},
	"has_install_script":    {"type": "boolean"},
	"vuln_critical":         {"type": "integer"},
	"vuln_high":             {"type": "integer"},
	"vuln_moderate":         {"type": "integer"},
	"vuln_low":              {"type": "integer"},
}
