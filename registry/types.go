package registry

import (
	"encoding/json"
)

// PackageMetadata is the top-level registry document for one package, as
// returned by `GET {registry}/{name}`. Only the fields the indexing pipeline
// cares about are decoded; everything else is ignored.
type PackageMetadata struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	DistTags    map[string]string          `json:"dist-tags"`
	Versions    map[string]VersionMetadata `json:"versions"`
	// Time maps version strings (plus "created" and "modified") to RFC 3339
	// timestamps.
	Time        map[string]string `json:"time"`
	Keywords    StringList        `json:"keywords"`
	License     License           `json:"license"`
	Author      Person            `json:"author"`
	Maintainers []Person          `json:"maintainers"`
	Repository  URLObject         `json:"repository"`
	Homepage    string            `json:"homepage"`
	Funding     URLObject         `json:"funding"`
}

// LatestVersion resolves the version record pointed at by the "latest"
// dist-tag. Falls back to "0.0.0" (and an empty record) when the tag or the
// version record is absent.
func (m *PackageMetadata) LatestVersion() (string, VersionMetadata) {
	version := "0.0.0"
	if m.DistTags != nil {
		if v, ok := m.DistTags["latest"]; ok && v != "" {
			version = v
		}
	}
	return version, m.Versions[version]
}

type VersionMetadata struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Description      string            `json:"description"`
	Main             string            `json:"main"`
	Module           string            `json:"module"`
	Type             string            `json:"type"`
	Types            string            `json:"types"`
	Typings          string            `json:"typings"`
	Exports          json.RawMessage   `json:"exports"`
	Scripts          map[string]string `json:"scripts"`
	Dependencies     map[string]string `json:"dependencies"`
	DevDependencies  map[string]string `json:"devDependencies"`
	PeerDependencies map[string]string `json:"peerDependencies"`
	Deprecated       Deprecation       `json:"deprecated"`
}

// HasInstallScript reports whether any install lifecycle script is declared.
func (v *VersionMetadata) HasInstallScript() bool {
	for _, name := range []string{"preinstall", "install", "postinstall"} {
		if _, ok := v.Scripts[name]; ok {
			return true
		}
	}
	return false
}

// StringList tolerates metadata that encodes a list field as either a JSON
// array of strings or a single bare string. Junk shapes decode to nil.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*l = nil
		} else {
			*l = []string{s}
		}
		return nil
	}
	*l = nil
	return nil
}

// Deprecation is either a deprecation message string or a bare boolean.
type Deprecation struct {
	Deprecated bool
	Message    string
}

func (d *Deprecation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d.Deprecated = s != ""
		d.Message = s
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		d.Deprecated = v
		return nil
	}
	// unknown shape; treat as not deprecated
	return nil
}

// Person is a normalized author/maintainer field. Third-party metadata
// encodes these either as a bare string or as an object with name/email/url
// keys; both decode into the same struct and malformed shapes degrade to the
// zero value, never an error.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	URL   string `json:"url"`
}

func (p *Person) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Name = s
		return nil
	}
	type personObject Person
	var obj personObject
	if err := json.Unmarshal(b, &obj); err == nil {
		*p = Person(obj)
		return nil
	}
	*p = Person{}
	return nil
}

// URLObject is a normalized link field (repository, funding, bugs). Encoded
// variously as a bare string, an object with a "url" (and optionally "type")
// key, or an array of either; arrays take the first usable element.
type URLObject struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

func (u *URLObject) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		u.URL = s
		return nil
	}
	type urlObject URLObject
	var obj urlObject
	if err := json.Unmarshal(b, &obj); err == nil {
		*u = URLObject(obj)
		return nil
	}
	var arr []URLObject
	if err := json.Unmarshal(b, &arr); err == nil && len(arr) > 0 {
		*u = arr[0]
		return nil
	}
	*u = URLObject{}
	return nil
}

// License is a normalized license field: a bare SPDX string, an object with
// a "type" key, or (legacy) an array of such objects.
type License struct {
	SPDX string
}

func (l *License) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		l.SPDX = s
		return nil
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &obj); err == nil && obj.Type != "" {
		l.SPDX = obj.Type
		return nil
	}
	var arr []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &arr); err == nil && len(arr) > 0 {
		l.SPDX = arr[0].Type
		return nil
	}
	*l = License{}
	return nil
}
