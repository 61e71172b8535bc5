package offline

import (
	"net/http"
	"strings"

	"github.com/meigma/offline/store"
)

// storable reports whether a response with header h may be kept in the
// shared cache. Responses marked no-store or private belong to one client.
func storable(h http.Header) bool {
	for _, value := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(directive, "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

// shareable returns a copy of resp that can be replayed to any client.
func shareable(resp *store.Response) *store.Response {
	out := resp.Clone()
	out.Header.Del("Set-Cookie")
	return out
}
