// Package store defines the cache storage used by the offline proxy.
//
// A Storage holds any number of named stores. Each Store maps a request key
// (see [Key]) to a stored HTTP response. Store names carry the generation
// tag of the cache they belong to, so invalidating a generation means
// deleting its store by name.
package store

import (
	"context"
	_ "crypto/sha256" // registers digest.SHA256
	"net/http"
	"net/url"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// Response is a stored HTTP response.
type Response struct {
	// URL is the request key the response was stored under.
	URL string

	// Status is the HTTP status code.
	Status int

	// Header holds the response headers.
	Header http.Header

	// Body is the complete response body.
	Body []byte

	// Digest is the digest of Body. Put fills it in when empty.
	Digest digest.Digest

	// StoredAt is when the response was written to the store.
	StoredAt time.Time
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Seal fills in Digest and StoredAt if they are unset.
func (r *Response) Seal(now time.Time) {
	if r.Digest == "" {
		r.Digest = digest.FromBytes(r.Body)
	}
	if r.StoredAt.IsZero() {
		r.StoredAt = now.UTC()
	}
}

// Verify reports whether Body matches Digest.
func (r *Response) Verify() error {
	if r.Digest == "" {
		return nil
	}
	if err := r.Digest.Validate(); err != nil {
		return err
	}
	if r.Digest.Algorithm().FromBytes(r.Body) != r.Digest {
		return ErrCorrupt
	}
	return nil
}

// Store is a single named cache.
//
// Implementations must be safe for concurrent use. Concurrent writes to the
// same key are last-write-wins.
type Store interface {
	// Match returns the response stored under key.
	// Returns nil, false if there is none.
	Match(ctx context.Context, key string) (*Response, bool)

	// Put stores resp under key, replacing any previous entry.
	Put(ctx context.Context, key string, resp *Response) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys held by the store.
	Keys(ctx context.Context) ([]string, error)
}

// Storage holds the named stores of one origin.
type Storage interface {
	// Open returns the store with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)

	// Delete removes the named store and all its entries.
	// Reports whether a store was removed.
	Delete(ctx context.Context, name string) (bool, error)

	// Keys lists store names in creation order.
	Keys(ctx context.Context) ([]string, error)
}

// MatchAny searches every store in s, in creation order, for key.
//
// Stores that fail to open are skipped.
func MatchAny(ctx context.Context, s Storage, key string) (*Response, bool) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, false
	}
	for _, name := range names {
		st, err := s.Open(ctx, name)
		if err != nil {
			continue
		}
		if resp, ok := st.Match(ctx, key); ok {
			return resp, true
		}
	}
	return nil, false
}

// Key returns the cache key for u: the absolute URL without its fragment.
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}
