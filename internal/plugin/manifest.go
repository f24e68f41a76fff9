// Package plugin loads and runs tabletop extensions. A plugin is published
// as a manifest JSON plus a Lua bundle; bundles run inside a restricted
// interpreter that only sees the base libraries and the host modules the
// manifest asked for.
package plugin

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Manifest URLs must point at a manifest JSON document over HTTP(S). A
// variant suffix like manifest-beta.json is allowed.
var manifestURLPattern = regexp.MustCompile(`^https?://.+/manifest(-.+)?\.json$`)

// ValidManifestURL reports whether raw is an acceptable manifest location.
func ValidManifestURL(raw string) bool {
	return manifestURLPattern.MatchString(strings.TrimSpace(raw))
}

// Manifest describes one installable plugin.
type Manifest struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Icon    string `json:"icon"`
	Version string `json:"version"`
	// Entry is the global table the bundle exports.
	Entry string `json:"entry"`
	// Bundle is the Lua source location, absolute or relative to the
	// manifest URL.
	Bundle string `json:"bundle"`
	// Modules lists the host modules the plugin wants access to. Anything
	// not registered with the loader fails the load.
	Modules []string `json:"modules,omitempty"`
}

func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return Manifest{}, fmt.Errorf("manifest is missing name")
	}
	if strings.TrimSpace(m.Title) == "" {
		return Manifest{}, fmt.Errorf("manifest is missing title")
	}
	if strings.TrimSpace(m.Icon) == "" {
		return Manifest{}, fmt.Errorf("manifest is missing icon")
	}
	if strings.TrimSpace(m.Entry) == "" {
		return Manifest{}, fmt.Errorf("manifest is missing entry")
	}
	if strings.TrimSpace(m.Bundle) == "" {
		return Manifest{}, fmt.Errorf("manifest is missing bundle")
	}
	return m, nil
}

// bundleURL resolves the manifest's bundle reference against the manifest's
// own location.
func bundleURL(manifestURL, bundle string) (string, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("parse manifest url: %w", err)
	}
	ref, err := url.Parse(bundle)
	if err != nil {
		return "", fmt.Errorf("parse bundle url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
