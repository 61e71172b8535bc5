// Package manifest describes what an offline worker version pre-caches.
//
// A Manifest names the two cache generations a version owns (static shell
// assets and runtime-fetched responses), lists the shell URLs that must be
// stored before the version may activate, and names the offline fallback
// page. Bumping a generation tag is how a deployment invalidates every
// previously cached response.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/meigma/offline/store"
)

// DefaultOfflinePage is the fallback page path used when none is configured.
const DefaultOfflinePage = "/offline"

// ErrInvalid is returned when a manifest fails validation.
var ErrInvalid = errors.New("manifest: invalid")

// Manifest is the deploy-time configuration of one worker version.
type Manifest struct {
	// StaticCache is the generation tag of the static store, e.g. "static-v3".
	StaticCache string `yaml:"static_cache"`

	// DynamicCache is the generation tag of the runtime store, e.g. "dynamic-v3".
	DynamicCache string `yaml:"dynamic_cache"`

	// OfflinePage is served to navigations when the network is unreachable.
	// It must also appear in Static.
	OfflinePage string `yaml:"offline_page"`

	// Static lists the shell URLs stored at install time, in order.
	// Paths are resolved against the origin; absolute URLs are used as is.
	Static []string `yaml:"static"`

	// AllowedOrigins lists cross-origin hosts (host or host:port) whose
	// responses are intercepted and cached.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// Default returns the SmartReminder shell manifest.
func Default() *Manifest {
	return &Manifest{
		StaticCache:  "static-v3",
		DynamicCache: "dynamic-v3",
		OfflinePage:  DefaultOfflinePage,
		Static: []string{
			"/",
			"/static/css/style.css",
			"/static/js/app.js",
			"/static/js/main.js",
			"/static/js/notes.js",
			"/static/js/reminders.js",
			"/static/icons/favicon.ico",
			"/static/icons/icon-192x192.png",
			"/static/icons/icon-512x512.png",
			DefaultOfflinePage,
		},
	}
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator configuration
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a YAML manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if m.OfflinePage == "" {
		m.OfflinePage = DefaultOfflinePage
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for consistency.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalid)
	}
	if !store.ValidName(m.StaticCache) {
		return fmt.Errorf("%w: static_cache %q", ErrInvalid, m.StaticCache)
	}
	if !store.ValidName(m.DynamicCache) {
		return fmt.Errorf("%w: dynamic_cache %q", ErrInvalid, m.DynamicCache)
	}
	if m.StaticCache == m.DynamicCache {
		return fmt.Errorf("%w: static and dynamic caches share the tag %q", ErrInvalid, m.StaticCache)
	}
	if len(m.Static) == 0 {
		return fmt.Errorf("%w: static list is empty", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(m.Static))
	for _, raw := range m.Static {
		if _, err := url.Parse(raw); err != nil || raw == "" {
			return fmt.Errorf("%w: static url %q", ErrInvalid, raw)
		}
		if _, dup := seen[raw]; dup {
			return fmt.Errorf("%w: duplicate static url %q", ErrInvalid, raw)
		}
		seen[raw] = struct{}{}
	}
	if _, ok := seen[m.OfflinePage]; !ok {
		return fmt.Errorf("%w: offline page %q is not in the static list", ErrInvalid, m.OfflinePage)
	}
	for _, host := range m.AllowedOrigins {
		if host == "" {
			return fmt.Errorf("%w: empty allowed origin", ErrInvalid)
		}
	}
	return nil
}

// Equal reports whether m and other describe the same version.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.StaticCache == other.StaticCache &&
		m.DynamicCache == other.DynamicCache &&
		m.OfflinePage == other.OfflinePage &&
		slices.Equal(m.Static, other.Static) &&
		slices.Equal(m.AllowedOrigins, other.AllowedOrigins)
}

// Current reports whether name is one of the manifest's generation tags.
func (m *Manifest) Current(name string) bool {
	return name == m.StaticCache || name == m.DynamicCache
}

// Allowed reports whether cross-origin host may be intercepted.
func (m *Manifest) Allowed(host string) bool {
	return slices.Contains(m.AllowedOrigins, host)
}

// Version returns a short label for logs.
func (m *Manifest) Version() string {
	return m.StaticCache + "+" + m.DynamicCache
}
