package offline

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// extensionSchemes are browser-extension URL schemes. Their responses are
// never stored.
var extensionSchemes = map[string]struct{}{
	"chrome-extension":     {},
	"moz-extension":        {},
	"safari-web-extension": {},
	"ms-browser-extension": {},
}

// IsNavigation reports whether req is a full-page load.
func IsNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// AcceptsHTML reports whether req's Accept header lists text/html.
// A missing Accept header counts as non-HTML.
func AcceptsHTML(req *http.Request) bool {
	for _, value := range req.Header.Values("Accept") {
		for _, part := range strings.Split(value, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mediaType == "text/html" {
				return true
			}
		}
	}
	return false
}

// WantsHTML reports whether a failed req should receive the offline page.
func WantsHTML(req *http.Request) bool {
	return IsNavigation(req) || AcceptsHTML(req)
}

// resolve returns the absolute URL of a request target. Absolute targets
// (forward-proxy form) are kept; origin-form targets are placed on origin.
func resolve(origin, target *url.URL) *url.URL {
	if target.IsAbs() {
		out := *target
		return &out
	}
	out := *target
	out.Scheme = origin.Scheme
	out.Host = origin.Host
	if out.Path == "" {
		out.Path = "/"
	}
	return &out
}

// resolveRef resolves a manifest entry (a path or an absolute URL) against origin.
func resolveRef(origin *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(u), nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func isExtensionScheme(u *url.URL) bool {
	_, ok := extensionSchemes[strings.ToLower(u.Scheme)]
	return ok
}
